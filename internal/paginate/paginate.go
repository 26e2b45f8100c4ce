// Package paginate exposes provider listings through one cursor contract,
// whether the provider pages with tokens or returns everything at once.
package paginate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/throttle"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// DefaultLimit is the page size used by client-side pagination when the
// caller gives none.
const DefaultLimit = 50

// Paginator returns one page per call. The cursor of the first page is "".
type Paginator[T any] interface {
	ListPage(ctx context.Context, cursor resource.Cursor, limit int) (resource.Page[T], error)
}

// TokenFetcher fetches one provider page. An empty next token means the
// provider has no more results.
type TokenFetcher[T any] func(ctx context.Context, token string, limit int) (items []T, next string, err error)

// FullFetcher materializes a complete listing.
type FullFetcher[T any] func(ctx context.Context) ([]T, error)

type options struct {
	logger   zerolog.Logger
	throttle *throttle.Policy
	name     string
}

// Option configures a paginator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithThrottle applies the list throttle to provider calls.
func WithThrottle(p *throttle.Policy) Option {
	return func(o *options) { o.throttle = p }
}

// WithName labels log lines, e.g. "gce/instance".
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(opts []Option) options {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ServerToken passes cursors through as provider page tokens.
type ServerToken[T any] struct {
	fetch   TokenFetcher[T]
	maxPage int
	opts    options
}

// NewServerToken creates a token paginator. maxPage is the provider's
// largest allowed page size; zero means unbounded.
func NewServerToken[T any](fetch TokenFetcher[T], maxPage int, opts ...Option) *ServerToken[T] {
	return &ServerToken[T]{fetch: fetch, maxPage: maxPage, opts: buildOptions(opts)}
}

// ListPage fetches the page at cursor. The limit is clamped to the
// provider maximum; a limit of zero or less asks for the maximum.
// Over-delivery is truncated only to a limit the caller gave.
func (p *ServerToken[T]) ListPage(ctx context.Context, cursor resource.Cursor, limit int) (resource.Page[T], error) {
	requested := limit
	switch {
	case limit <= 0 && p.maxPage > 0:
		limit = p.maxPage
	case limit <= 0:
		limit = DefaultLimit
	case p.maxPage > 0 && limit > p.maxPage:
		p.opts.logger.Debug().
			Str("lister", p.opts.name).
			Int("requested", limit).
			Int("max", p.maxPage).
			Msg("page size clamped to provider maximum, more calls may be needed")
		limit = p.maxPage
	}

	if err := p.opts.throttle.Wait(ctx, throttle.List); err != nil {
		return resource.Page[T]{}, err
	}
	items, next, err := p.fetch(ctx, string(cursor), limit)
	if err != nil {
		return resource.Page[T]{}, fmt.Errorf("list page: %w", err)
	}

	if len(items) > limit {
		ev := p.opts.logger.Warn().
			Str("lister", p.opts.name).
			Int("limit", limit).
			Int("returned", len(items))
		if requested > 0 && len(items) > requested {
			ev.Msg("provider returned more results than requested, truncating")
			items = items[:requested]
		} else {
			ev.Msg("provider returned more results than its page maximum, keeping all")
		}
	}
	if items == nil {
		items = []T{}
	}

	return resource.Page[T]{
		Items:           items,
		HasNext:         next != "",
		NextCursor:      resource.Cursor(next),
		ServerTruncated: next != "",
	}, nil
}

// All drains a paginator.
func All[T any](ctx context.Context, p Paginator[T], pageSize int) ([]T, error) {
	var (
		out    []T
		cursor resource.Cursor
	)
	for {
		page, err := p.ListPage(ctx, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.HasNext {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// Filtered wraps fetch so only items accepted by keep are materialized.
func Filtered[T any](fetch FullFetcher[T], keep func(T) bool) FullFetcher[T] {
	return func(ctx context.Context) ([]T, error) {
		items, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(items))
		for _, it := range items {
			if keep(it) {
				out = append(out, it)
			}
		}
		return out, nil
	}
}
