// Package provider defines the capability set a cloud adapter offers to the
// façade, and the registry of provider factories.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// ListQuery narrows a provider listing.
type ListQuery struct {
	// Scope limits the listing to one zone or region. The zero scope means
	// the provider default, or everywhere for kinds listed across regions.
	Scope resource.Scope
	// Parent restricts the listing to children of a resource, e.g. the
	// subnets of a network.
	Parent *resource.Handle
}

// Adapter is the minimal per-kind capability set. Get returns an error
// matching resource.ErrNotFound when the resource does not exist; an empty
// scope in the handle means the provider default.
type Adapter interface {
	Kind() resource.Kind
	Get(ctx context.Context, h resource.Handle) (resource.Resource, error)
	// Create starts creation. The returned operation targets the new
	// resource; synchronous providers return operation.Completed.
	Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error)
	Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error)
}

// TokenLister pages server-side with opaque tokens.
type TokenLister interface {
	ListPage(ctx context.Context, q ListQuery, token string, limit int) (items []resource.Resource, next string, err error)
	// MaxPageSize is the largest page the provider accepts.
	MaxPageSize() int
}

// FullLister returns the whole listing in one call.
type FullLister interface {
	ListAll(ctx context.Context, q ListQuery) ([]resource.Resource, error)
}

// NativeLabeler stores labels in the provider's own label or tag field.
// Resources returned by Get and listings carry Label already.
type NativeLabeler interface {
	SetLabel(ctx context.Context, h resource.Handle, label string) error
}

// WaiterUser awaits operations outside the adapter contract, such as
// label writes. The façade hands it its own waiter on open.
type WaiterUser interface {
	UseWaiter(w *operation.Waiter)
}

// LabelFinder filters by label server-side.
type LabelFinder interface {
	FindByLabel(ctx context.Context, q ListQuery, label string) ([]resource.Resource, error)
}

// NameValidator overrides the default naming rules of a kind.
type NameValidator interface {
	ValidateName(name string) error
}

// SubnetAttacher connects a subnet to a router.
type SubnetAttacher interface {
	AttachSubnet(ctx context.Context, router, subnet resource.Handle) error
}

// RateHinter reports a documented minimum interval between destructive
// calls for a kind, e.g. GCS bucket creation. Zero means no minimum.
type RateHinter interface {
	MinInterval(kind resource.Kind) time.Duration
}

// LinkParser recognizes provider links (self-links, ARNs, URLs) for a kind.
type LinkParser interface {
	ParseLink(kind resource.Kind, raw string) (resource.Handle, bool)
}

// Defaults are a provider's placement defaults.
type Defaults struct {
	Region string
	Zone   string
}

// Provider is an open connection to one cloud account or project. It owns
// its SDK clients; Close releases them.
type Provider interface {
	LinkParser
	Name() string
	// Adapter returns the adapter for kind, or an error matching
	// resource.ErrUnsupportedKind.
	Adapter(kind resource.Kind) (Adapter, error)
	// Metadata is the store backing the label registry. Nil when every
	// labeled kind is a NativeLabeler.
	Metadata() label.Store
	// Poller polls the operations returned by this provider's adapters.
	Poller() operation.Poller
	Defaults() Defaults
	// RegionOf maps a zone to its region.
	RegionOf(zone string) string
	Close() error
}

// Factory opens a provider from configuration.
type Factory func(ctx context.Context, cfg *config.Config) (Provider, error)

// Registry of available providers.
var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register adds a provider factory. Adapters register in init.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Open creates the provider named by cfg.Provider.
func Open(ctx context.Context, cfg *config.Config) (Provider, error) {
	mu.RLock()
	f, ok := factories[cfg.Provider]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered (have %v)", cfg.Provider, Names())
	}
	p, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open provider %s: %w", cfg.Provider, err)
	}
	return p, nil
}

// Names returns all registered provider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all factories. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	factories = make(map[string]Factory)
}

// Unsupported is the error for a kind a provider does not offer.
func Unsupported(provider string, kind resource.Kind) error {
	return fmt.Errorf("%s: %w: %s", provider, resource.ErrUnsupportedKind, kind)
}
