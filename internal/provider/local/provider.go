// Package local is a simulated provider persisted in a bbolt file. It
// mirrors GCE semantics (names are IDs, zonal disks, registry labels for
// networking kinds) and can hold operations pending for a configurable
// number of polls, which makes it the test bed for the façade.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Name is the provider name.
const Name = "local"

const (
	linkScheme  = "local://"
	maxPageSize = 500
)

func init() {
	provider.Register(Name, func(_ context.Context, cfg *config.Config) (provider.Provider, error) {
		return Open(cfg.Local.Path, Options{PendingPolls: cfg.Local.PendingPolls})
	})
}

// Options configures the simulation.
type Options struct {
	// PendingPolls is how many polls an operation reports Pending before it
	// finishes.
	PendingPolls int
	Region       string
	Zone         string
	Logger       *zerolog.Logger
}

type simOp struct {
	remaining int
	failure   string
	link      string
}

// Provider is the local simulated provider.
type Provider struct {
	st       *store
	meta     *metadataStore
	opts     Options
	logger   zerolog.Logger
	adapters map[resource.Kind]provider.Adapter

	mu       sync.Mutex
	ops      map[string]*simOp
	failNext map[resource.Kind]string
	polls    int
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Provider, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}
	if opts.Region == "" {
		opts.Region = "local-1"
	}
	if opts.Zone == "" {
		opts.Zone = opts.Region + "-a"
	}
	p := &Provider{
		st:       st,
		meta:     &metadataStore{db: st.db},
		opts:     opts,
		logger:   log.Logger,
		ops:      make(map[string]*simOp),
		failNext: make(map[resource.Kind]string),
	}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	}
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

// Metadata returns the bbolt-backed metadata store.
func (p *Provider) Metadata() label.Store { return p.meta }

// Poller polls simulated operations.
func (p *Provider) Poller() operation.Poller { return operation.PollerFunc(p.poll) }

// Defaults returns the simulated region and zone.
func (p *Provider) Defaults() provider.Defaults {
	return provider.Defaults{Region: p.opts.Region, Zone: p.opts.Zone}
}

// RegionOf strips the zone suffix: "local-1-a" is in "local-1".
func (p *Provider) RegionOf(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

// Close closes the database.
func (p *Provider) Close() error { return p.st.close() }

// FailNext makes the next create of kind report a failed operation. The
// resource itself is still created, as a real provider may leave it.
func (p *Provider) FailNext(kind resource.Kind, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[kind] = reason
}

// Polls returns the number of operation polls served.
func (p *Provider) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Revision returns the store revision, bumped on every write.
func (p *Provider) Revision() int64 { return p.st.revision() }

// Link renders the self-link of a handle.
func Link(h resource.Handle) string {
	scope := "-"
	if h.Scope.Name != "" {
		scope = h.Scope.Name
	}
	return linkScheme + string(h.Kind) + "/" + h.Scope.Type.String() + "/" + scope + "/" + h.ProviderID
}

// ParseLink parses local://<kind>/<scope-type>/<scope>/<id>.
func (p *Provider) ParseLink(kind resource.Kind, raw string) (resource.Handle, bool) {
	rest, ok := strings.CutPrefix(raw, linkScheme)
	if !ok {
		return resource.Handle{}, false
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) != 4 || parts[0] != string(kind) || parts[3] == "" {
		return resource.Handle{}, false
	}
	var scope resource.Scope
	switch parts[1] {
	case "zone":
		scope = resource.Zone(parts[2])
	case "region":
		scope = resource.Region(parts[2])
	case "global":
	default:
		return resource.Handle{}, false
	}
	return resource.Handle{Kind: kind, ProviderID: parts[3], Scope: scope}, true
}

// startOp registers a simulated operation on target.
func (p *Provider) startOp(target resource.Handle) *operation.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()

	sim := &simOp{remaining: p.opts.PendingPolls, link: Link(target)}
	if reason, ok := p.failNext[target.Kind]; ok {
		sim.failure = reason
		delete(p.failNext, target.Kind)
	}
	op := operation.Started("op-"+uuid.NewString(), target)
	p.ops[op.Name] = sim
	return op
}

func (p *Provider) poll(_ context.Context, op *operation.Operation) (operation.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.polls++
	sim, ok := p.ops[op.Name]
	if !ok {
		return operation.State{}, fmt.Errorf("operation %s: %w", op.Name, resource.ErrNotFound)
	}
	if sim.remaining > 0 {
		sim.remaining--
		return operation.State{Status: operation.Pending}, nil
	}
	delete(p.ops, op.Name)
	if sim.failure != "" {
		return operation.State{
			Status: operation.Failed,
			Err:    &operation.OperationError{Reason: sim.failure},
		}, nil
	}
	return operation.State{Status: operation.Done, Link: sim.link}, nil
}
