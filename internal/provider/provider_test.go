package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// stubProvider implements Provider for registry tests.
type stubProvider struct {
	name   string
	closed bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Adapter(kind resource.Kind) (Adapter, error) {
	return nil, Unsupported(s.name, kind)
}

func (s *stubProvider) Metadata() label.Store { return nil }

func (s *stubProvider) Poller() operation.Poller { return nil }

func (s *stubProvider) Defaults() Defaults { return Defaults{Region: "r1", Zone: "r1-a"} }

func (s *stubProvider) RegionOf(zone string) string {
	return "r1"
}

func (s *stubProvider) ParseLink(resource.Kind, string) (resource.Handle, bool) {
	return resource.Handle{}, false
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func stubFactory(name string) Factory {
	return func(context.Context, *config.Config) (Provider, error) {
		return &stubProvider{name: name}, nil
	}
}

func TestRegisterAndOpen(t *testing.T) {
	Clear()
	defer Clear()

	Register("stub", stubFactory("stub"))

	cfg := config.Default()
	cfg.Provider = "stub"
	p, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())
}

func TestOpen_NotRegistered(t *testing.T) {
	Clear()
	defer Clear()
	Register("aws", stubFactory("aws"))

	cfg := config.Default()
	cfg.Provider = "azure"
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `provider "azure" not registered`)
	assert.Contains(t, err.Error(), "aws")
}

func TestOpen_FactoryError(t *testing.T) {
	Clear()
	defer Clear()

	boom := errors.New("no credentials")
	Register("gce", func(context.Context, *config.Config) (Provider, error) { return nil, boom })

	cfg := config.Default()
	cfg.Provider = "gce"
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, boom)
}

func TestNames(t *testing.T) {
	Clear()
	defer Clear()

	Register("local", stubFactory("local"))
	Register("aws", stubFactory("aws"))
	Register("gce", stubFactory("gce"))

	assert.Equal(t, []string{"aws", "gce", "local"}, Names())
}

func TestRegister_Overwrites(t *testing.T) {
	Clear()
	defer Clear()

	Register("x", stubFactory("first"))
	Register("x", stubFactory("second"))

	cfg := config.Default()
	cfg.Provider = "x"
	p, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "second", p.Name())
}

func TestUnsupported(t *testing.T) {
	p := &stubProvider{name: "hetzner"}
	_, err := p.Adapter(resource.KindRouter)
	assert.ErrorIs(t, err, resource.ErrUnsupportedKind)
	assert.Contains(t, err.Error(), "router")
}
