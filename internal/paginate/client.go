package paginate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yairfalse/cumulus/internal/throttle"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// DefaultSnapshotCache is the number of materialized listings kept.
const DefaultSnapshotCache = 128

// SnapshotCache holds materialized listings between page requests. It is
// safe for concurrent use and may be shared by paginators of any item type.
type SnapshotCache struct {
	lru *lru.Cache[string, any]
}

// NewSnapshotCache creates a cache holding up to size listings.
func NewSnapshotCache(size int) (*SnapshotCache, error) {
	if size <= 0 {
		size = DefaultSnapshotCache
	}
	c, err := lru.New[string, any](size)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return &SnapshotCache{lru: c}, nil
}

// Len returns the number of cached listings.
func (c *SnapshotCache) Len() int { return c.lru.Len() }

// cursorState is the decoded form of a client cursor.
type cursorState struct {
	Snapshot string `json:"s"`
	Offset   int    `json:"o"`
	Query    string `json:"q"`
}

func encodeCursor(st cursorState) (resource.Cursor, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return resource.Cursor(base64.RawURLEncoding.EncodeToString(raw)), nil
}

func decodeCursor(c resource.Cursor) (cursorState, error) {
	var st cursorState
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return st, fmt.Errorf("%w: %v", resource.ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("%w: %v", resource.ErrInvalidCursor, err)
	}
	if st.Snapshot == "" || st.Offset < 0 {
		return st, resource.ErrInvalidCursor
	}
	return st, nil
}

// queryID condenses a query description into a short stable ID.
func queryID(query string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(query)).String()
}

// Client materializes a listing once and slices it in memory. The listing
// is frozen at first fetch; later pages come from the snapshot. If the
// snapshot was evicted, the listing is fetched again and sliced by offset,
// so results may shift between pages in that case.
type Client[T any] struct {
	fetch FullFetcher[T]
	query string
	cache *SnapshotCache
	opts  options
}

// NewClient creates a client-side paginator. query must describe the
// listing (provider, kind, criteria) so cursors cannot be replayed against
// a different one.
func NewClient[T any](fetch FullFetcher[T], query string, cache *SnapshotCache, opts ...Option) *Client[T] {
	if cache == nil {
		cache, _ = NewSnapshotCache(DefaultSnapshotCache)
	}
	return &Client[T]{fetch: fetch, query: queryID(query), cache: cache, opts: buildOptions(opts)}
}

// ListPage returns limit items starting at the cursor. A limit of zero or
// less means DefaultLimit.
func (p *Client[T]) ListPage(ctx context.Context, cursor resource.Cursor, limit int) (resource.Page[T], error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		st    cursorState
		items []T
	)
	if cursor == "" {
		st = cursorState{Snapshot: uuid.NewString(), Query: p.query}
	} else {
		var err error
		if st, err = decodeCursor(cursor); err != nil {
			return resource.Page[T]{}, err
		}
		if st.Query != p.query {
			return resource.Page[T]{}, fmt.Errorf("%w: cursor belongs to another query", resource.ErrInvalidCursor)
		}
		if cached, ok := p.cache.lru.Get(st.Snapshot); ok {
			if items, ok = cached.([]T); !ok {
				return resource.Page[T]{}, fmt.Errorf("%w: snapshot type mismatch", resource.ErrInvalidCursor)
			}
		} else {
			p.opts.logger.Debug().
				Str("lister", p.opts.name).
				Str("snapshot", st.Snapshot).
				Msg("snapshot evicted, refetching listing")
		}
	}

	if items == nil {
		if err := p.opts.throttle.Wait(ctx, throttle.List); err != nil {
			return resource.Page[T]{}, err
		}
		fetched, err := p.fetch(ctx)
		if err != nil {
			return resource.Page[T]{}, fmt.Errorf("list: %w", err)
		}
		items = append([]T{}, fetched...)
		p.cache.lru.Add(st.Snapshot, items)
	}

	if st.Offset >= len(items) {
		return resource.EmptyPage[T](), nil
	}
	end := min(st.Offset+limit, len(items))
	page := resource.Page[T]{Items: append([]T(nil), items[st.Offset:end]...)}
	if end < len(items) {
		next, err := encodeCursor(cursorState{Snapshot: st.Snapshot, Offset: end, Query: st.Query})
		if err != nil {
			return resource.Page[T]{}, err
		}
		page.HasNext = true
		page.NextCursor = next
	}
	return page, nil
}
