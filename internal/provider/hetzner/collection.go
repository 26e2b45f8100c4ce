package hetzner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// collection is the part every natively labeled Hetzner kind shares: lookup
// by ID or name, page-number listing and label updates.
type collection[T any] struct {
	p       *Provider
	kind    resource.Kind
	byID    func(ctx context.Context, id int64) (*T, *hcloud.Response, error)
	byName  func(ctx context.Context, name string) (*T, *hcloud.Response, error)
	list    func(ctx context.Context, opts hcloud.ListOpts) ([]*T, *hcloud.Response, error)
	relabel func(ctx context.Context, v *T, labels map[string]string) error
	labels  func(v *T) map[string]string
	convert func(v *T) resource.Resource
}

func (c *collection[T]) Kind() resource.Kind { return c.kind }

func (c *collection[T]) MaxPageSize() int { return maxPageSize }

// lookup accepts a numeric ID or a name. It returns nil when neither
// matches.
func (c *collection[T]) lookup(ctx context.Context, ref string) (*T, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		v, _, err := c.byID(ctx, id)
		if err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil, classify(err, c.kind, "get", ref)
		}
		if v != nil {
			return v, nil
		}
	}
	v, _, err := c.byName(ctx, ref)
	if err != nil {
		return nil, classify(err, c.kind, "get", ref)
	}
	return v, nil
}

// must is lookup with a missing resource as ErrNotFound.
func (c *collection[T]) must(ctx context.Context, op, ref string) (*T, error) {
	v, err := c.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, notFound(op, c.kind, ref)
	}
	return v, nil
}

func (c *collection[T]) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	v, err := c.must(ctx, "get", h.ProviderID)
	if err != nil {
		return resource.Resource{}, err
	}
	return c.convert(v), nil
}

func (c *collection[T]) ListPage(ctx context.Context, q provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	items, next, err := listPage(ctx, token, limit, func(ctx context.Context, opts hcloud.ListOpts) ([]resource.Resource, *hcloud.Response, error) {
		vs, resp, err := c.list(ctx, opts)
		if err != nil {
			return nil, nil, classify(err, c.kind, "list", "")
		}
		return c.convertAll(vs), resp, nil
	})
	if err != nil {
		return nil, "", err
	}
	return matching(q, items), next, nil
}

// FindByLabel filters with a label selector.
func (c *collection[T]) FindByLabel(ctx context.Context, q provider.ListQuery, l string) ([]resource.Resource, error) {
	opts := hcloud.ListOpts{PerPage: maxPageSize, LabelSelector: labelKey + "=" + l}
	var out []resource.Resource
	for page := 1; page != 0; {
		opts.Page = page
		vs, resp, err := c.list(ctx, opts)
		if err != nil {
			return nil, classify(err, c.kind, "find", l)
		}
		out = append(out, c.convertAll(vs)...)
		page = nextPage(resp)
	}
	return matching(q, out), nil
}

// SetLabel rewrites the label set with the cumulus key changed. The API
// replaces labels wholesale.
func (c *collection[T]) SetLabel(ctx context.Context, h resource.Handle, l string) error {
	v, err := c.must(ctx, "label", h.ProviderID)
	if err != nil {
		return err
	}
	if err := c.relabel(ctx, v, withLabel(c.labels(v), labelKey, l)); err != nil {
		return classify(err, c.kind, "label", h.ProviderID)
	}
	return nil
}

func (c *collection[T]) convertAll(vs []*T) []resource.Resource {
	items := make([]resource.Resource, 0, len(vs))
	for _, v := range vs {
		items = append(items, c.convert(v))
	}
	return items
}

// ═══════════════════════════════════════════════════════════════════════════
// Paging
// ═══════════════════════════════════════════════════════════════════════════

type pageFunc func(ctx context.Context, opts hcloud.ListOpts) ([]resource.Resource, *hcloud.Response, error)

// listPage serves limit items starting at the offset in token. The API
// pages by number, so an offset that is not a multiple of limit re-reads
// the page holding it and skips what was already returned. Pages may come
// back short; nothing is skipped twice or lost.
func listPage(ctx context.Context, token string, limit int, fetch pageFunc) ([]resource.Resource, string, error) {
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("%w: %q", resource.ErrInvalidCursor, token)
		}
		offset = n
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	page := offset/limit + 1
	items, resp, err := fetch(ctx, hcloud.ListOpts{Page: page, PerPage: limit})
	if err != nil {
		return nil, "", err
	}
	skip := offset - (page-1)*limit
	if skip > len(items) {
		skip = len(items)
	}
	items = items[skip:]
	if len(items) == 0 || nextPage(resp) == 0 {
		return items, "", nil
	}
	return items, strconv.Itoa(offset + len(items)), nil
}

func nextPage(resp *hcloud.Response) int {
	if resp == nil || resp.Meta.Pagination == nil {
		return 0
	}
	return resp.Meta.Pagination.NextPage
}

// matching applies the scope and parent of q, which the API cannot filter
// on.
func matching(q provider.ListQuery, items []resource.Resource) []resource.Resource {
	if q.Scope.IsZero() && q.Parent == nil {
		return items
	}
	out := items[:0]
	for _, r := range items {
		switch q.Scope.Type {
		case resource.ScopeZone:
			if r.Attr(resource.AttrZone) != q.Scope.Name {
				continue
			}
		case resource.ScopeRegion:
			if r.Attr(resource.AttrRegion) != q.Scope.Name {
				continue
			}
		}
		if q.Parent != nil && q.Parent.Kind == resource.KindNetwork && r.Attr(resource.AttrNetwork) != q.Parent.ProviderID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Labels
// ═══════════════════════════════════════════════════════════════════════════

func labelsFor(m *resource.SpecMeta) map[string]string {
	labels := make(map[string]string)
	if m.Label != "" {
		labels[labelKey] = m.Label
	}
	return labels
}

// withLabel copies labels with key set, or removed when value is empty.
func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	if value == "" {
		delete(out, key)
	} else {
		out[key] = value
	}
	return out
}
