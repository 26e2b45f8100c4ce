package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/identity"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/paginate"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/internal/throttle"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Options configures the façades built by Open.
type Options struct {
	Waiter operation.Policy
	// Sleeper replaces the waiter's timer, e.g. in tests.
	Sleeper  operation.Sleeper
	Throttle *throttle.Policy
	// DefaultLimit is the page size of client-side pages when the caller
	// passes zero.
	DefaultLimit      int
	SnapshotCacheSize int
	Instrumentation   Instrumentation
	Logger            *zerolog.Logger
}

// Cloud holds every façade over one open provider.
type Cloud struct {
	provider provider.Provider
	services map[resource.Kind]*Service
	logger   zerolog.Logger

	Instances *Instances
	Volumes   *Volumes
	Snapshots *Snapshots
	Networks  *Networks
	Subnets   *Subnets
	Routers   *Routers
	Firewalls *Firewalls
	KeyPairs  *KeyPairs
	Buckets   *Buckets
}

// Open builds the façades over p. The Cloud owns p from here on; Close
// closes it.
func Open(ctx context.Context, p provider.Provider, opts Options) (*Cloud, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = paginate.DefaultLimit
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = nopInstrumentation{}
	}

	cache, err := paginate.NewSnapshotCache(opts.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}

	store := p.Metadata()
	if store == nil {
		logger.Debug().Str("provider", p.Name()).Msg("provider has no metadata store, keeping labels in memory")
		store = label.NewMemoryStore()
	}
	registry := label.NewRegistry(store,
		label.WithThrottle(opts.Throttle),
		label.WithLogger(logger),
	)

	waiterOpts := []operation.Option{
		operation.WithLogger(logger),
		operation.WithObserver(func(ctx context.Context, op *operation.Operation, _ int, st operation.State) {
			opts.Instrumentation.OperationPolled(ctx, op.Target.Kind, st.Status)
		}),
	}
	if opts.Sleeper != nil {
		waiterOpts = append(waiterOpts, operation.WithSleeper(opts.Sleeper))
	}
	waiter := operation.NewWaiter(opts.Waiter, waiterOpts...)
	if wu, ok := p.(provider.WaiterUser); ok {
		wu.UseWaiter(waiter)
	}

	c := &Cloud{
		provider: p,
		services: make(map[resource.Kind]*Service, len(resource.Kinds)),
		logger:   logger,
	}
	resolver := identity.NewResolver(p, c, identity.WithLogger(logger))

	for _, kind := range resource.Kinds {
		s := &Service{
			kind:         kind,
			provider:     p,
			resolver:     resolver,
			registry:     registry,
			waiter:       waiter,
			throttle:     opts.Throttle,
			cache:        cache,
			defaultLimit: opts.DefaultLimit,
			instr:        opts.Instrumentation,
			logger:       logger.With().Str("kind", string(kind)).Logger(),
		}
		s.adapter, s.adapterErr = p.Adapter(kind)
		if s.adapterErr != nil {
			logger.Debug().Err(s.adapterErr).Str("provider", p.Name()).Str("kind", string(kind)).Msg("kind not offered")
		}
		if hinter, ok := p.(provider.RateHinter); ok {
			if d := hinter.MinInterval(kind); d > 0 {
				s.throttle = s.throttle.Stricter(throttle.Destructive, d)
			}
		}
		c.services[kind] = s
	}

	c.Volumes = &Volumes{Service: c.services[resource.KindVolume], snapshots: c.services[resource.KindSnapshot]}
	c.Snapshots = &Snapshots{Service: c.services[resource.KindSnapshot], volumes: c.services[resource.KindVolume]}
	c.Networks = &Networks{Service: c.services[resource.KindNetwork]}
	c.Routers = &Routers{Service: c.services[resource.KindRouter], networks: c.Networks}
	c.Subnets = &Subnets{Service: c.services[resource.KindSubnet], networks: c.Networks, routers: c.Routers}
	c.Firewalls = &Firewalls{Service: c.services[resource.KindFirewall], networks: c.Networks}
	c.KeyPairs = &KeyPairs{Service: c.services[resource.KindKeyPair]}
	c.Buckets = &Buckets{Service: c.services[resource.KindBucket]}
	c.Instances = &Instances{
		Service:   c.services[resource.KindInstance],
		volumes:   c.Volumes,
		snapshots: c.Snapshots,
	}
	return c, nil
}

// Service returns the generic façade of kind.
func (c *Cloud) Service(kind resource.Kind) (*Service, error) {
	s, ok := c.services[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", resource.ErrUnsupportedKind, kind)
	}
	return s, nil
}

// Provider returns the underlying provider.
func (c *Cloud) Provider() provider.Provider { return c.provider }

// FirstByLabel lets the identity resolver look labels up through the
// kind's façade.
func (c *Cloud) FirstByLabel(ctx context.Context, kind resource.Kind, l string) (*resource.Resource, error) {
	s, err := c.Service(kind)
	if err != nil {
		return nil, err
	}
	return s.FirstByLabel(ctx, l)
}

// Close closes the provider.
func (c *Cloud) Close() error {
	if err := c.provider.Close(); err != nil {
		return fmt.Errorf("close provider %s: %w", c.provider.Name(), err)
	}
	return nil
}
