package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/pkg/resource"
)

func disabled() config.OTELConfig {
	return config.OTELConfig{
		ServiceName: "test-cumulus",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), disabled(), "local")
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	err = p.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-cumulus",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// Provider setup should succeed even without a real collector
	p, err := NewProvider(context.Background(), cfg, "local")
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Shutdown may fail due to no collector
	_ = p.Shutdown(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════
// Façade call instrumentation
// ═══════════════════════════════════════════════════════════════════════════

func TestProvider_StartCall_RecordsSpanAndMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()

	p, err := NewProvider(context.Background(), disabled(), "local",
		WithReader(reader), WithSpanProcessor(spans))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, end := p.StartCall(context.Background(), resource.KindVolume, "create")
	end(nil)
	_, end = p.StartCall(context.Background(), resource.KindVolume, "create")
	end(errors.New("quota exceeded"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "volume.create", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "quota exceeded", ended[1].Status().Description)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	calls := findSum(t, rm, "cumulus_facade_calls_total")
	require.Len(t, calls.DataPoints, 2)
	byOutcome := map[string]int64{}
	for _, dp := range calls.DataPoints {
		outcome, ok := dp.Attributes.Value("outcome")
		require.True(t, ok)
		byOutcome[outcome.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, byOutcome)

	hist := findMetric(t, rm, "cumulus_facade_call_duration_seconds")
	h, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, h.DataPoints, 1)
	assert.Equal(t, uint64(2), h.DataPoints[0].Count)
}

func TestProvider_OperationPolled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(), disabled(), "gce", WithReader(reader))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	p.OperationPolled(context.Background(), resource.KindInstance, operation.Pending)
	p.OperationPolled(context.Background(), resource.KindInstance, operation.Pending)
	p.OperationPolled(context.Background(), resource.KindInstance, operation.Done)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	polls := findSum(t, rm, "cumulus_operation_polls_total")
	byStatus := map[string]int64{}
	for _, dp := range polls.DataPoints {
		status, _ := dp.Attributes.Value("status")
		provider, _ := dp.Attributes.Value("provider")
		assert.Equal(t, "gce", provider.AsString())
		byStatus[status.AsString()] = dp.Value
	}
	assert.Equal(t, int64(2), byStatus[operation.Pending.String()])
	assert.Equal(t, int64(1), byStatus[operation.Done.String()])
}

func TestNewProvider_PrometheusReader(t *testing.T) {
	cfg := disabled()
	cfg.Metrics.Prometheus = true

	p, err := NewProvider(context.Background(), cfg, "local")
	require.NoError(t, err)

	_, end := p.StartCall(context.Background(), resource.KindBucket, "list")
	end(nil)

	require.NoError(t, p.Shutdown(context.Background()))
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return metricdata.Metrics{}
}

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	sum, ok := findMetric(t, rm, name).Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", name)
	return sum
}
