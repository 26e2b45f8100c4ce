// Package gce implements the Google Compute Engine provider on the
// compute/v1 and storage/v1 REST clients.
package gce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Name is the provider name.
const Name = "gce"

const (
	maxPageSize = 500
	// labelKey is the GCE label holding the cumulus label on kinds with
	// native labels.
	labelKey = "cumulus-label"
	// bucketInterval is the documented GCS limit of one bucket create or
	// delete every two seconds.
	bucketInterval = 2 * time.Second
)

func init() {
	provider.Register(Name, func(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
		return Open(ctx, Options{
			Project:         cfg.GCE.Project,
			Region:          cfg.GCE.Region,
			Zone:            cfg.GCE.Zone,
			CredentialsFile: cfg.GCE.CredentialsFile,
			Endpoint:        cfg.GCE.Endpoint,
		})
	})
}

// Options configures the GCE provider.
type Options struct {
	Project         string
	Region          string
	Zone            string
	CredentialsFile string
	// Endpoint replaces both API base URLs. Compute paths are served under
	// <endpoint>/compute/v1/ and storage paths under <endpoint>/storage/v1/.
	Endpoint string
	// ClientOptions are appended to the options of both clients.
	ClientOptions []option.ClientOption
	Logger        *zerolog.Logger
	// Waiter awaits label and metadata writes. Defaults to a waiter on
	// operation.DefaultPolicy; service.Open replaces it with its own.
	Waiter *operation.Waiter
}

// Provider is an open connection to one GCE project.
type Provider struct {
	project  string
	region   string
	zone     string
	compute  *compute.Service
	storage  *storage.Service
	meta     *metadataStore
	waiter   *operation.Waiter
	logger   zerolog.Logger
	adapters map[resource.Kind]provider.Adapter
}

// Open creates the compute and storage clients for opts.Project.
func Open(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("gce: project required")
	}
	if opts.Region == "" {
		opts.Region = "us-central1"
	}
	if opts.Zone == "" {
		opts.Zone = opts.Region + "-a"
	}

	var common []option.ClientOption
	if opts.CredentialsFile != "" {
		common = append(common, option.WithCredentialsFile(opts.CredentialsFile))
	}
	common = append(common, opts.ClientOptions...)

	computeOpts, storageOpts := common, common
	if opts.Endpoint != "" {
		base := strings.TrimSuffix(opts.Endpoint, "/")
		computeOpts = append(append([]option.ClientOption{}, common...), option.WithEndpoint(base+"/compute/v1/"))
		storageOpts = append(append([]option.ClientOption{}, common...), option.WithEndpoint(base+"/storage/v1/"))
	}

	cs, err := compute.NewService(ctx, computeOpts...)
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}
	ss, err := storage.NewService(ctx, storageOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	p := &Provider{
		project: opts.Project,
		region:  opts.Region,
		zone:    opts.Zone,
		compute: cs,
		storage: ss,
		logger:  log.Logger,
	}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	}
	p.waiter = opts.Waiter
	if p.waiter == nil {
		p.waiter = operation.NewWaiter(operation.DefaultPolicy(), operation.WithLogger(p.logger))
	}
	p.meta = &metadataStore{p: p}
	p.adapters = p.newAdapters()
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return Name }

// Adapter returns the adapter for kind.
func (p *Provider) Adapter(kind resource.Kind) (provider.Adapter, error) {
	a, ok := p.adapters[kind]
	if !ok {
		return nil, provider.Unsupported(Name, kind)
	}
	return a, nil
}

// Metadata returns the project metadata store.
func (p *Provider) Metadata() label.Store { return p.meta }

// Poller polls compute operations by scope. Storage calls are synchronous
// and never produce pending operations.
func (p *Provider) Poller() operation.Poller { return operation.PollerFunc(p.poll) }

// Defaults returns the configured region and zone.
func (p *Provider) Defaults() provider.Defaults {
	return provider.Defaults{Region: p.region, Zone: p.zone}
}

// RegionOf strips the zone letter: "us-central1-a" is in "us-central1".
func (p *Provider) RegionOf(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

// MinInterval reports the GCS bucket mutation limit.
func (p *Provider) MinInterval(kind resource.Kind) time.Duration {
	if kind == resource.KindBucket {
		return bucketInterval
	}
	return 0
}

// Close releases nothing: the REST clients hold no connections of their own.
func (p *Provider) Close() error { return nil }

func (p *Provider) zoneOf(s resource.Scope) string {
	if s.Type == resource.ScopeZone && s.Name != "" {
		return s.Name
	}
	return p.zone
}

func (p *Provider) regionOf(s resource.Scope) string {
	switch {
	case s.Type == resource.ScopeRegion && s.Name != "":
		return s.Name
	case s.Type == resource.ScopeZone && s.Name != "":
		return p.RegionOf(s.Name)
	}
	return p.region
}

func (p *Provider) poll(ctx context.Context, op *operation.Operation) (operation.State, error) {
	var (
		got *compute.Operation
		err error
	)
	switch op.Scope.Type {
	case resource.ScopeZone:
		got, err = p.compute.ZoneOperations.Get(p.project, p.zoneOf(op.Scope), op.Name).Context(ctx).Do()
	case resource.ScopeRegion:
		got, err = p.compute.RegionOperations.Get(p.project, p.regionOf(op.Scope), op.Name).Context(ctx).Do()
	default:
		got, err = p.compute.GlobalOperations.Get(p.project, op.Name).Context(ctx).Do()
	}
	if err != nil {
		return operation.State{}, classify(err, op.Target.Kind, "poll", op.Name)
	}
	return operationState(got), nil
}

func operationState(op *compute.Operation) operation.State {
	if op.Status != "DONE" {
		return operation.State{Status: operation.Pending}
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		msgs := make([]string, 0, len(op.Error.Errors))
		for _, e := range op.Error.Errors {
			msgs = append(msgs, e.Code+": "+e.Message)
		}
		return operation.State{
			Status: operation.Failed,
			Err:    &operation.OperationError{Reason: strings.Join(msgs, "; ")},
		}
	}
	return operation.State{Status: operation.Done, Link: op.TargetLink}
}

// started turns a compute operation into a pending operation on target.
func started(op *compute.Operation, target resource.Handle) *operation.Operation {
	o := operation.Started(op.Name, target)
	o.Link = op.TargetLink
	if st := operationState(op); st.Status != operation.Pending {
		o.Status, o.Err = st.Status, st.Err
	}
	return o
}

// UseWaiter replaces the waiter used by awaitCompute.
func (p *Provider) UseWaiter(w *operation.Waiter) {
	if w != nil {
		p.waiter = w
	}
}

// awaitCompute waits on a compute operation for calls that have no
// operation in their signature, such as label updates and metadata writes.
func (p *Provider) awaitCompute(ctx context.Context, op *compute.Operation, target resource.Handle) error {
	_, err := p.waiter.Await(ctx, started(op, target), p.Poller())
	return err
}
