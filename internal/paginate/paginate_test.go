package paginate

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cumulus/pkg/resource"
)

func numbers(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// fixed serves an already materialized slice.
func fixed[T any](items []T) FullFetcher[T] {
	return func(context.Context) ([]T, error) { return items, nil }
}

// tokenProvider simulates a provider that pages with opaque tokens and
// caps page size at max.
type tokenProvider struct {
	items []int
	max   int
	calls int
	// extra makes the provider over-deliver by this many items.
	extra int
}

func (p *tokenProvider) fetch(_ context.Context, token string, limit int) ([]int, string, error) {
	p.calls++
	start := 0
	if token != "" {
		var err error
		if start, err = strconv.Atoi(token); err != nil {
			return nil, "", errors.New("bad token")
		}
	}
	n := min(limit, p.max)
	end := min(start+n, len(p.items))
	next := ""
	if end < len(p.items) {
		next = strconv.Itoa(end)
	}
	deliver := min(end+p.extra, len(p.items))
	return p.items[start:deliver], next, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Server token strategy
// ═══════════════════════════════════════════════════════════════════════════

func TestServerToken_Completeness(t *testing.T) {
	const n = 23
	for k := 1; k <= n; k++ {
		prov := &tokenProvider{items: numbers(n), max: 500}
		p := NewServerToken(prov.fetch, 500)

		got, err := All[int](context.Background(), p, k)
		require.NoError(t, err)
		assert.Equal(t, numbers(n), got, "k=%d", k)
		assert.Equal(t, (n+k-1)/k, prov.calls, "k=%d", k)
	}
}

func TestServerToken_PageFlags(t *testing.T) {
	prov := &tokenProvider{items: numbers(5), max: 500}
	p := NewServerToken(prov.fetch, 500)

	page, err := p.ListPage(context.Background(), "", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, page.Items)
	assert.True(t, page.HasNext)
	assert.True(t, page.ServerTruncated)
	assert.Equal(t, resource.Cursor("3"), page.NextCursor)

	page, err = p.ListPage(context.Background(), page.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, page.Items)
	assert.False(t, page.HasNext)
	assert.False(t, page.ServerTruncated)
	assert.Empty(t, page.NextCursor)
}

func TestServerToken_ClampsToProviderMax(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	var asked []int
	fetch := func(_ context.Context, _ string, limit int) ([]int, string, error) {
		asked = append(asked, limit)
		return nil, "", nil
	}
	p := NewServerToken(fetch, 50, WithLogger(logger))

	page, err := p.ListPage(context.Background(), "", 200)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	_, err = p.ListPage(context.Background(), "", 0)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50}, asked)
	assert.Contains(t, buf.String(), "more calls may be needed")
}

func TestServerToken_TruncatesOverDelivery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	prov := &tokenProvider{items: numbers(10), max: 500, extra: 2}
	p := NewServerToken(prov.fetch, 500, WithLogger(logger))

	page, err := p.ListPage(context.Background(), "", 4)
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestServerToken_KeepsOverDeliveryWithoutLimit(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	items := numbers(8)
	// Advertises a maximum of 3 but always serves pages of 4.
	fetch := func(_ context.Context, token string, _ int) ([]int, string, error) {
		start := 0
		if token != "" {
			start, _ = strconv.Atoi(token)
		}
		end := min(start+4, len(items))
		next := ""
		if end < len(items) {
			next = strconv.Itoa(end)
		}
		return items[start:end], next, nil
	}
	p := NewServerToken(fetch, 3, WithLogger(logger))

	got, err := All[int](context.Background(), p, 0)
	require.NoError(t, err)
	assert.Equal(t, items, got)
	assert.Contains(t, buf.String(), "keeping all")
}

func TestServerToken_FetchError(t *testing.T) {
	boom := errors.New("503")
	p := NewServerToken(func(context.Context, string, int) ([]int, string, error) {
		return nil, "", boom
	}, 10)

	_, err := p.ListPage(context.Background(), "", 5)
	assert.ErrorIs(t, err, boom)
}

// ═══════════════════════════════════════════════════════════════════════════
// Client strategy
// ═══════════════════════════════════════════════════════════════════════════

func counting(items []int, calls *int) FullFetcher[int] {
	return func(context.Context) ([]int, error) {
		*calls++
		return items, nil
	}
}

func TestClient_Completeness(t *testing.T) {
	const n = 17
	cache, err := NewSnapshotCache(8)
	require.NoError(t, err)

	for k := 1; k <= n; k++ {
		calls := 0
		p := NewClient(counting(numbers(n), &calls), "local/volume", cache)

		got, err := All[int](context.Background(), p, k)
		require.NoError(t, err)
		assert.Equal(t, numbers(n), got, "k=%d", k)
		assert.Equal(t, 1, calls, "k=%d: listing must be fetched once", k)
	}
}

func TestClient_DefaultLimit(t *testing.T) {
	calls := 0
	p := NewClient(counting(numbers(120), &calls), "q", nil)

	page, err := p.ListPage(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Items, DefaultLimit)
	assert.True(t, page.HasNext)
	assert.False(t, page.ServerTruncated)
}

func TestClient_EmptyListing(t *testing.T) {
	calls := 0
	p := NewClient(counting(nil, &calls), "q", nil)

	page, err := p.ListPage(context.Background(), "", 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasNext)
	assert.Empty(t, page.NextCursor)
}

func TestClient_SnapshotIsFrozen(t *testing.T) {
	items := numbers(6)
	calls := 0
	p := NewClient(func(context.Context) ([]int, error) {
		calls++
		return items, nil
	}, "q", nil)

	page, err := p.ListPage(context.Background(), "", 3)
	require.NoError(t, err)

	items[4] = 99 // provider state changes after the first page

	page, err = p.ListPage(context.Background(), page.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, page.Items)
	assert.Equal(t, 1, calls)
}

func TestClient_RejectsForeignCursor(t *testing.T) {
	cache, _ := NewSnapshotCache(4)
	calls := 0
	a := NewClient(counting(numbers(10), &calls), "gce/network|label=web", cache)
	b := NewClient(counting(numbers(10), &calls), "gce/network|label=db", cache)

	page, err := a.ListPage(context.Background(), "", 3)
	require.NoError(t, err)

	_, err = b.ListPage(context.Background(), page.NextCursor, 3)
	assert.ErrorIs(t, err, resource.ErrInvalidCursor)
}

func TestClient_RejectsGarbageCursor(t *testing.T) {
	p := NewClient(fixed(numbers(3)), "q", nil)
	for _, c := range []resource.Cursor{"%%%", "bm90LWpzb24", "e30"} {
		_, err := p.ListPage(context.Background(), c, 1)
		assert.ErrorIs(t, err, resource.ErrInvalidCursor, string(c))
	}
}

func TestClient_RefetchesEvictedSnapshot(t *testing.T) {
	cache, _ := NewSnapshotCache(1)
	calls := 0
	p := NewClient(counting(numbers(6), &calls), "q", cache)
	other := NewClient(fixed(numbers(2)), "other", cache)

	page, err := p.ListPage(context.Background(), "", 2)
	require.NoError(t, err)

	// Evict p's snapshot.
	_, err = other.ListPage(context.Background(), "", 1)
	require.NoError(t, err)

	page, err = p.ListPage(context.Background(), page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, page.Items)
	assert.Equal(t, 2, calls)
}

func TestClient_OffsetPastEnd(t *testing.T) {
	cache, _ := NewSnapshotCache(4)
	calls := 0
	p := NewClient(counting(numbers(4), &calls), "q", cache)

	cur, err := encodeCursor(cursorState{Snapshot: "snap", Offset: 10, Query: queryID("q")})
	require.NoError(t, err)

	page, err := p.ListPage(context.Background(), cur, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasNext)
}

func TestClient_PageDoesNotAliasSnapshot(t *testing.T) {
	p := NewClient(fixed(numbers(4)), "q", nil)

	page, err := p.ListPage(context.Background(), "", 2)
	require.NoError(t, err)
	page.Items[0] = 42

	st, err := decodeCursor(page.NextCursor)
	require.NoError(t, err)
	st.Offset = 0
	first, err := encodeCursor(st)
	require.NoError(t, err)

	again, err := p.ListPage(context.Background(), first, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, again.Items)
}

func TestFiltered(t *testing.T) {
	even := Filtered(fixed(numbers(10)), func(i int) bool { return i%2 == 0 })
	p := NewClient(even, "even", nil)

	got, err := All[int](context.Background(), p, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4, 6, 8}, got)
}
