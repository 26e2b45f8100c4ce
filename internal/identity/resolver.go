// Package identity resolves the identifiers callers pass in (links, bare
// provider IDs, labels) to resource handles.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// LabelLookup finds resources by label.
type LabelLookup interface {
	// FirstByLabel returns a resource of kind carrying label, or nil.
	FirstByLabel(ctx context.Context, kind resource.Kind, label string) (*resource.Resource, error)
}

// Resolution is a resolved handle. Resource is set when resolution had to
// fetch the resource anyway, so callers need not fetch it again.
type Resolution struct {
	Handle   resource.Handle
	Resource *resource.Resource
	// Via tells how the identifier matched: "handle", "link", "id" or "label".
	Via string
}

// Resolver maps identifiers to handles for one provider. It never creates
// resources.
type Resolver struct {
	provider provider.Provider
	labels   LabelLookup
	logger   zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver. labels may be nil, in which case label
// lookup is skipped.
func NewResolver(p provider.Provider, labels LabelLookup, opts ...Option) *Resolver {
	r := &Resolver{provider: p, labels: labels, logger: log.Logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveRef resolves a façade reference. Handles pass through unchanged.
func (r *Resolver) ResolveRef(ctx context.Context, kind resource.Kind, ref resource.Ref) (Resolution, error) {
	if !ref.Valid() {
		return Resolution{}, resource.ErrInvalidRef
	}
	if h, ok := ref.Handle(); ok {
		if h.Kind != kind {
			return Resolution{}, fmt.Errorf("%w: %s handle used as %s", resource.ErrInvalidRef, h.Kind, kind)
		}
		return Resolution{Handle: h, Via: "handle"}, nil
	}
	return r.Resolve(ctx, kind, ref.ID())
}

// Resolve tries, in order: provider link, bare provider ID, then label for
// labeled kinds. It returns an error matching resource.ErrNotFound when
// nothing matches; any other provider error is returned as is.
func (r *Resolver) Resolve(ctx context.Context, kind resource.Kind, raw string) (Resolution, error) {
	if raw == "" {
		return Resolution{}, resource.ErrInvalidRef
	}

	if h, ok := r.provider.ParseLink(kind, raw); ok {
		return Resolution{Handle: h, Via: "link"}, nil
	}

	adapter, err := r.provider.Adapter(kind)
	if err != nil {
		return Resolution{}, err
	}

	res, err := adapter.Get(ctx, resource.Handle{Kind: kind, ProviderID: raw})
	switch {
	case err == nil:
		return Resolution{Handle: res.Handle, Resource: &res, Via: "id"}, nil
	case !errors.Is(err, resource.ErrNotFound):
		return Resolution{}, err
	}

	if kind.Labeled() && r.labels != nil {
		found, err := r.labels.FirstByLabel(ctx, kind, raw)
		if err != nil {
			return Resolution{}, err
		}
		if found != nil {
			r.logger.Debug().Str("kind", string(kind)).Str("label", raw).Str("id", found.ID()).Msg("resolved by label")
			return Resolution{Handle: found.Handle, Resource: found, Via: "label"}, nil
		}
	}

	return Resolution{}, fmt.Errorf("%s %q: %w", kind, raw, resource.ErrNotFound)
}
