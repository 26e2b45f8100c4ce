// Package service is the resource façade: one Service per kind over an
// injected provider, with identity resolution, operation waiting,
// pagination and labels handled uniformly.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yairfalse/cumulus/internal/filter"
	"github.com/yairfalse/cumulus/internal/identity"
	"github.com/yairfalse/cumulus/internal/label"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/paginate"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/internal/throttle"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Service is the façade for one resource kind.
type Service struct {
	kind     resource.Kind
	provider provider.Provider
	// adapter is nil when the provider does not offer the kind; every call
	// then returns adapterErr.
	adapter    provider.Adapter
	adapterErr error

	resolver     *identity.Resolver
	registry     *label.Registry
	waiter       *operation.Waiter
	throttle     *throttle.Policy
	cache        *paginate.SnapshotCache
	defaultLimit int
	instr        Instrumentation
	logger       zerolog.Logger
}

// Kind returns the kind this service manages.
func (s *Service) Kind() resource.Kind { return s.kind }

// Supported reports whether the provider offers this kind.
func (s *Service) Supported() bool { return s.adapter != nil }

// native reports whether labels live on the resource itself.
func (s *Service) native() bool {
	_, ok := s.adapter.(provider.NativeLabeler)
	return ok
}

// usesRegistry reports whether labels of this kind live in the registry.
func (s *Service) usesRegistry() bool {
	return s.kind.Labeled() && !s.native()
}

func (s *Service) start(ctx context.Context, call string) (context.Context, func(error)) {
	return s.instr.StartCall(ctx, s.kind, call)
}

// Get returns the resource ref points at, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, ref resource.Ref) (_ *resource.Resource, err error) {
	ctx, end := s.start(ctx, "get")
	defer func() { end(err) }()

	if s.adapter == nil {
		return nil, s.adapterErr
	}
	res, err := s.resolve(ctx, ref)
	if err != nil {
		if resource.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// resolve turns a ref into a fetched resource with its label attached.
func (s *Service) resolve(ctx context.Context, ref resource.Ref) (*resource.Resource, error) {
	rs, err := s.resolver.ResolveRef(ctx, s.kind, ref)
	if err != nil {
		return nil, err
	}
	res := rs.Resource
	if res == nil {
		got, err := s.adapter.Get(ctx, rs.Handle)
		if err != nil {
			return nil, err
		}
		res = &got
	}
	if s.usesRegistry() && res.Label == "" {
		l, _, err := s.registry.Get(ctx, res.Handle)
		if err != nil {
			return nil, err
		}
		res.Label = l
	}
	return res, nil
}

// List returns one page of every resource of the kind.
func (s *Service) List(ctx context.Context, limit int, cursor resource.Cursor) (_ resource.Page[resource.Resource], err error) {
	ctx, end := s.start(ctx, "list")
	defer func() { end(err) }()

	if s.adapter == nil {
		return resource.Page[resource.Resource]{}, s.adapterErr
	}
	return s.list(ctx, provider.ListQuery{}, limit, cursor)
}

func (s *Service) list(ctx context.Context, q provider.ListQuery, limit int, cursor resource.Cursor) (resource.Page[resource.Resource], error) {
	p, err := s.paginator(q)
	if err != nil {
		return resource.Page[resource.Resource]{}, err
	}
	if _, token := p.(*paginate.ServerToken[resource.Resource]); !token && limit <= 0 {
		limit = s.defaultLimit
	}
	page, err := p.ListPage(ctx, cursor, limit)
	if err != nil {
		if resource.IsNotFound(err) {
			return resource.EmptyPage[resource.Resource](), nil
		}
		return resource.Page[resource.Resource]{}, err
	}
	if err := s.attachLabels(ctx, page.Items); err != nil {
		return resource.Page[resource.Resource]{}, err
	}
	return page, nil
}

func (s *Service) paginatorOpts() []paginate.Option {
	return []paginate.Option{
		paginate.WithLogger(s.logger),
		paginate.WithThrottle(s.throttle),
		paginate.WithName(s.provider.Name() + "/" + string(s.kind)),
	}
}

// paginator picks the strategy the adapter supports.
func (s *Service) paginator(q provider.ListQuery) (paginate.Paginator[resource.Resource], error) {
	switch a := s.adapter.(type) {
	case provider.TokenLister:
		var fetch paginate.TokenFetcher[resource.Resource] = func(ctx context.Context, token string, limit int) ([]resource.Resource, string, error) {
			return a.ListPage(ctx, q, token, limit)
		}
		return paginate.NewServerToken(fetch, a.MaxPageSize(), s.paginatorOpts()...), nil
	case provider.FullLister:
		var fetch paginate.FullFetcher[resource.Resource] = func(ctx context.Context) ([]resource.Resource, error) {
			return a.ListAll(ctx, q)
		}
		return paginate.NewClient(fetch, s.queryKey("list", q), s.cache, s.paginatorOpts()...), nil
	}
	return nil, fmt.Errorf("%s %s adapter cannot list: %w", s.provider.Name(), s.kind, resource.ErrUnsupportedKind)
}

func (s *Service) queryKey(call string, q provider.ListQuery) string {
	key := s.provider.Name() + "|" + string(s.kind) + "|" + call + "|" + q.Scope.String()
	if q.Parent != nil {
		key += "|" + q.Parent.String()
	}
	return key
}

// all drains the listing, labels attached.
func (s *Service) all(ctx context.Context, q provider.ListQuery) ([]resource.Resource, error) {
	p, err := s.paginator(q)
	if err != nil {
		return nil, err
	}
	items, err := paginate.All(ctx, p, 0)
	if err != nil {
		if resource.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.attachLabels(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachLabels fills registry labels in one metadata read.
func (s *Service) attachLabels(ctx context.Context, items []resource.Resource) error {
	if len(items) == 0 || !s.usesRegistry() {
		return nil
	}
	labels, err := s.registry.Labels(ctx, s.kind)
	if err != nil {
		return err
	}
	for i := range items {
		if l, ok := labels[items[i].ID()]; ok {
			items[i].Label = l
		}
	}
	return nil
}

// Find returns one page of resources matching every criterion. Unknown
// criteria fail with *resource.UnsupportedFilterError.
func (s *Service) Find(ctx context.Context, c filter.Criteria, limit int, cursor resource.Cursor) (_ resource.Page[resource.Resource], err error) {
	ctx, end := s.start(ctx, "find")
	defer func() { end(err) }()

	f, err := filter.New(s.kind, c)
	if err != nil {
		return resource.Page[resource.Resource]{}, err
	}
	if s.adapter == nil {
		return resource.Page[resource.Resource]{}, s.adapterErr
	}
	if f.IsEmpty() {
		return s.list(ctx, provider.ListQuery{}, limit, cursor)
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}

	var fetch paginate.FullFetcher[resource.Resource]
	if l, ok := f.LabelOnly(); ok {
		if finder, ok := s.adapter.(provider.LabelFinder); ok {
			// Server-side label filters are re-checked locally.
			fetch = func(ctx context.Context) ([]resource.Resource, error) {
				items, err := finder.FindByLabel(ctx, provider.ListQuery{}, l)
				if err != nil {
					return nil, err
				}
				return f.Apply(items), nil
			}
		}
	}
	if fetch == nil {
		var superset paginate.FullFetcher[resource.Resource] = func(ctx context.Context) ([]resource.Resource, error) {
			return s.all(ctx, provider.ListQuery{})
		}
		fetch = paginate.Filtered(superset, f.Match)
	}

	p := paginate.NewClient(fetch, s.queryKey("find|"+f.Fingerprint(), provider.ListQuery{}), s.cache, s.paginatorOpts()...)
	page, err := p.ListPage(ctx, cursor, limit)
	if err != nil {
		if resource.IsNotFound(err) {
			return resource.EmptyPage[resource.Resource](), nil
		}
		return resource.Page[resource.Resource]{}, err
	}
	if err := s.attachLabels(ctx, page.Items); err != nil {
		return resource.Page[resource.Resource]{}, err
	}
	return page, nil
}

// FirstByLabel returns some resource carrying label, or nil.
func (s *Service) FirstByLabel(ctx context.Context, l string) (*resource.Resource, error) {
	if s.adapter == nil || !s.kind.Labeled() {
		return nil, nil
	}
	if finder, ok := s.adapter.(provider.LabelFinder); ok {
		found, err := finder.FindByLabel(ctx, provider.ListQuery{}, l)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, nil
		}
		return &found[0], nil
	}

	if s.native() {
		items, err := s.all(ctx, provider.ListQuery{})
		if err != nil {
			return nil, err
		}
		for i := range items {
			if items[i].Label == l {
				return &items[i], nil
			}
		}
		return nil, nil
	}

	ids, err := s.registry.Find(ctx, s.kind, l)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		res, err := s.adapter.Get(ctx, resource.Handle{Kind: s.kind, ProviderID: id})
		if resource.IsNotFound(err) {
			s.logger.Debug().Str("kind", string(s.kind)).Str("id", id).Str("label", l).Msg("stale label entry")
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Label = l
		return &res, nil
	}
	return nil, nil
}

// Create validates spec, creates the resource, waits for it and returns it
// as read back from the provider with its label assigned.
func (s *Service) Create(ctx context.Context, spec resource.Spec) (_ *resource.Resource, err error) {
	ctx, end := s.start(ctx, "create")
	defer func() { end(err) }()

	if s.adapter == nil {
		return nil, s.adapterErr
	}
	if spec.Kind() != s.kind {
		return nil, fmt.Errorf("%s spec passed to %s service: %w", spec.Kind(), s.kind, resource.ErrUnsupportedKind)
	}
	if err := s.prepare(spec.Meta()); err != nil {
		return nil, err
	}
	return s.create(ctx, spec)
}

// prepare validates the label and name, generating the name if needed.
func (s *Service) prepare(m *resource.SpecMeta) error {
	if m.Label != "" && !s.kind.Labeled() {
		return &resource.ValidationError{Kind: s.kind, Field: "label", Value: m.Label, Reason: "kind is addressed by name only"}
	}
	if err := resource.ValidateLabel(s.kind, m.Label); err != nil {
		return err
	}
	if m.Name == "" {
		m.Name = resource.GenerateName(s.kind, m.Label)
	}
	return s.validateName(m.Name)
}

func (s *Service) validateName(name string) error {
	if v, ok := s.adapter.(provider.NameValidator); ok {
		return v.ValidateName(name)
	}
	return resource.ValidateName(s.kind, name)
}

func (s *Service) create(ctx context.Context, spec resource.Spec) (*resource.Resource, error) {
	m := spec.Meta()
	if err := s.throttle.Wait(ctx, throttle.Destructive); err != nil {
		return nil, err
	}

	op, err := s.adapter.Create(ctx, spec)
	if err != nil {
		var dup *resource.DuplicateResourceError
		if errors.Is(err, resource.ErrConflict) && !errors.As(err, &dup) {
			return nil, &resource.DuplicateResourceError{Kind: s.kind, Name: m.Name, Cause: err}
		}
		return nil, err
	}

	if _, err := s.waiter.Await(ctx, op, s.provider.Poller()); err != nil {
		return nil, err
	}

	got, err := s.adapter.Get(ctx, op.Target)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", op.Target, err)
	}
	s.logger.Info().
		Str("provider", got.Provider).
		Str("kind", string(s.kind)).
		Str("id", got.ID()).
		Str("scope", got.Handle.Scope.String()).
		Msg("resource created")

	if m.Label != "" && got.Label != m.Label {
		if err := s.assignLabel(ctx, got.Handle, m.Label); err != nil {
			return &got, fmt.Errorf("label created %s: %w", got.Handle, err)
		}
		got.Label = m.Label
	}
	return &got, nil
}

func (s *Service) assignLabel(ctx context.Context, h resource.Handle, l string) error {
	if nl, ok := s.adapter.(provider.NativeLabeler); ok {
		if err := s.throttle.Wait(ctx, throttle.Metadata); err != nil {
			return err
		}
		return nl.SetLabel(ctx, h, l)
	}
	return s.registry.Set(ctx, h, l)
}

// SetLabel replaces the label of an existing resource. An empty label
// clears it.
func (s *Service) SetLabel(ctx context.Context, ref resource.Ref, l string) (err error) {
	ctx, end := s.start(ctx, "set_label")
	defer func() { end(err) }()

	if s.adapter == nil {
		return s.adapterErr
	}
	if !s.kind.Labeled() {
		return &resource.ValidationError{Kind: s.kind, Field: "label", Value: l, Reason: "kind is addressed by name only"}
	}
	if err := resource.ValidateLabel(s.kind, l); err != nil {
		return err
	}
	rs, err := s.resolver.ResolveRef(ctx, s.kind, ref)
	if err != nil {
		return err
	}
	return s.assignLabel(ctx, rs.Handle, l)
}

// Delete removes the resource ref points at. It reports false when there
// was nothing to delete.
func (s *Service) Delete(ctx context.Context, ref resource.Ref) (_ bool, err error) {
	ctx, end := s.start(ctx, "delete")
	defer func() { end(err) }()

	if s.adapter == nil {
		return false, s.adapterErr
	}
	rs, err := s.resolver.ResolveRef(ctx, s.kind, ref)
	if err != nil {
		if resource.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return s.deleteHandle(ctx, rs.Handle)
}

func (s *Service) deleteHandle(ctx context.Context, h resource.Handle) (bool, error) {
	if err := s.throttle.Wait(ctx, throttle.Destructive); err != nil {
		return false, err
	}
	op, err := s.adapter.Delete(ctx, h)
	if err != nil {
		if resource.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.waiter.Await(ctx, op, s.provider.Poller()); err != nil {
		return false, err
	}
	s.logger.Info().Str("kind", string(s.kind)).Str("id", h.ProviderID).Msg("resource deleted")

	if s.usesRegistry() {
		existed, err := s.registry.Clear(ctx, h)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("kind", string(s.kind)).Str("id", h.ProviderID).Msg("failed to remove label entry")
		case !existed:
			s.logger.Warn().Str("kind", string(s.kind)).Str("id", h.ProviderID).Msg("no label entry to remove")
		}
	}
	return true, nil
}
