package local

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Attribute keys only the local provider uses.
const (
	attrDisks      = "disks"
	attrAutoDelete = "auto_delete_disks"
	attrAttachedTo = "attached_to"
	attrRules      = "rules"
	attrSubnets    = "subnets"
	attrKeyPair    = "key_pair"
	attrFirewalls  = "firewalls"
)

// buildFunc validates a spec and turns it into a record.
type buildFunc func(ctx context.Context, spec resource.Spec) (*record, error)

// adapter implements provider.Adapter for one kind.
type adapter struct {
	p     *Provider
	kind  resource.Kind
	build buildFunc
	// sync kinds finish inside the call and return a completed operation.
	sync bool
	// native kinds keep the label on the record.
	native      bool
	afterInsert func(r *record) error
	onDelete    func(r *record) error
}

func (a *adapter) Kind() resource.Kind { return a.kind }

func (a *adapter) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return resource.Resource{}, err
	}
	r, ok := a.p.st.get(a.kind, h.ProviderID)
	if !ok || (!h.Scope.IsZero() && h.Scope != r.Scope) {
		return resource.Resource{}, fmt.Errorf("%s %s: %w", a.kind, h.ProviderID, resource.ErrNotFound)
	}
	return toResource(r), nil
}

func (a *adapter) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	if spec.Kind() != a.kind {
		return nil, fmt.Errorf("%s adapter got %s spec: %w", a.kind, spec.Kind(), resource.ErrUnsupportedKind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := a.build(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.Kind = a.kind
	r.ID = spec.Meta().Name
	r.CreatedAt = time.Now().UTC()
	if d := spec.Meta().Description; d != "" {
		r.Attrs[resource.AttrDescription] = d
	}
	if a.native {
		r.Label = spec.Meta().Label
	}
	if err := a.p.st.insert(r); err != nil {
		return nil, err
	}
	if a.afterInsert != nil {
		if err := a.afterInsert(r); err != nil {
			return nil, err
		}
	}
	a.p.logger.Debug().Str("kind", string(a.kind)).Str("id", r.ID).Msg("local resource created")

	h := resource.Handle{Kind: a.kind, ProviderID: r.ID, Scope: r.Scope}
	if a.sync {
		return operation.Completed(h, Link(h)), nil
	}
	return a.p.startOp(h), nil
}

func (a *adapter) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := a.p.st.get(a.kind, h.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", a.kind, h.ProviderID, resource.ErrNotFound)
	}
	if a.onDelete != nil {
		if err := a.onDelete(r); err != nil {
			return nil, err
		}
	}
	if err := a.p.st.remove(a.kind, h.ProviderID); err != nil {
		return nil, err
	}
	target := resource.Handle{Kind: a.kind, ProviderID: r.ID, Scope: r.Scope}
	if a.sync {
		return operation.Completed(target, Link(target)), nil
	}
	return a.p.startOp(target), nil
}

// matches applies a list query to a record.
func (a *adapter) matches(r *record, q provider.ListQuery) bool {
	if !q.Scope.IsZero() && r.Scope != q.Scope {
		// A regional query also covers the zones of that region.
		if q.Scope.Type != resource.ScopeRegion || r.Scope.Type != resource.ScopeZone ||
			a.p.RegionOf(r.Scope.Name) != q.Scope.Name {
			return false
		}
	}
	if q.Parent != nil && r.Attrs[resource.AttrNetwork] != q.Parent.ProviderID {
		return false
	}
	return true
}

// tokenLister pages through the ordered index using the last returned ID
// as the token.
type tokenLister struct{ a *adapter }

func (t tokenLister) MaxPageSize() int { return maxPageSize }

func (t tokenLister) ListPage(ctx context.Context, q provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	var out []resource.Resource
	t.a.p.st.scan(t.a.kind, token, func(r *record) bool {
		if t.a.matches(r, q) {
			out = append(out, toResource(r))
		}
		return len(out) <= limit
	})
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID()
	}
	return out, next, nil
}

// fullLister returns the whole listing at once.
type fullLister struct{ a *adapter }

func (f fullLister) ListAll(ctx context.Context, q provider.ListQuery) ([]resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []resource.Resource
	f.a.p.st.scan(f.a.kind, "", func(r *record) bool {
		if f.a.matches(r, q) {
			out = append(out, toResource(r))
		}
		return true
	})
	return out, nil
}

// nativeLabels keeps the label on the record itself.
type nativeLabels struct{ a *adapter }

func (n nativeLabels) SetLabel(ctx context.Context, h resource.Handle, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.a.p.st.update(n.a.kind, h.ProviderID, func(r *record) { r.Label = label })
}

// labelFinder filters by label while scanning the index.
type labelFinder struct{ a *adapter }

func (l labelFinder) FindByLabel(ctx context.Context, q provider.ListQuery, label string) ([]resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []resource.Resource
	l.a.p.st.scan(l.a.kind, "", func(r *record) bool {
		if r.Label == label && l.a.matches(r, q) {
			out = append(out, toResource(r))
		}
		return true
	})
	return out, nil
}

// subnetAttacher records router membership on both records.
type subnetAttacher struct{ a *adapter }

func (s subnetAttacher) AttachSubnet(ctx context.Context, router, subnet resource.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.a.p.st.get(resource.KindSubnet, subnet.ProviderID); !ok {
		return fmt.Errorf("subnet %s: %w", subnet.ProviderID, resource.ErrNotFound)
	}
	return s.a.p.st.update(resource.KindRouter, router.ProviderID, func(r *record) {
		r.Attrs[attrSubnets] = appendList(r.Attrs[attrSubnets], subnet.ProviderID)
	})
}

type (
	instanceAdapter struct {
		*adapter
		tokenLister
		nativeLabels
	}
	diskAdapter struct {
		*adapter
		tokenLister
		nativeLabels
		labelFinder
	}
	networkingAdapter struct {
		*adapter
		tokenLister
	}
	routerAdapter struct {
		*adapter
		tokenLister
		subnetAttacher
	}
	namedAdapter struct {
		*adapter
		fullLister
	}
)

func (p *Provider) newAdapters() map[resource.Kind]provider.Adapter {
	mk := func(kind resource.Kind, build buildFunc) *adapter {
		return &adapter{p: p, kind: kind, build: build}
	}

	instance := mk(resource.KindInstance, p.buildInstance)
	instance.native = true
	instance.afterInsert = p.attachDisks
	instance.onDelete = p.releaseDisks
	volume := mk(resource.KindVolume, p.buildVolume)
	volume.native = true
	volume.onDelete = func(r *record) error {
		if owner := r.Attrs[attrAttachedTo]; owner != "" {
			return fmt.Errorf("volume %s is attached to %s: %w", r.ID, owner, resource.ErrConflict)
		}
		return nil
	}
	snapshot := mk(resource.KindSnapshot, p.buildSnapshot)
	snapshot.native = true
	network := mk(resource.KindNetwork, p.buildNetwork)
	network.onDelete = p.refuseIfUsed(resource.KindSubnet, resource.KindRouter)
	subnet := mk(resource.KindSubnet, p.buildSubnet)
	router := mk(resource.KindRouter, p.buildRouter)
	firewall := mk(resource.KindFirewall, p.buildFirewall)
	keyPair := mk(resource.KindKeyPair, p.buildKeyPair)
	keyPair.sync = true
	bucket := mk(resource.KindBucket, p.buildBucket)
	bucket.sync = true

	return map[resource.Kind]provider.Adapter{
		resource.KindInstance: instanceAdapter{instance, tokenLister{instance}, nativeLabels{instance}},
		resource.KindVolume:   diskAdapter{volume, tokenLister{volume}, nativeLabels{volume}, labelFinder{volume}},
		resource.KindSnapshot: diskAdapter{snapshot, tokenLister{snapshot}, nativeLabels{snapshot}, labelFinder{snapshot}},
		resource.KindNetwork:  networkingAdapter{network, tokenLister{network}},
		resource.KindSubnet:   networkingAdapter{subnet, tokenLister{subnet}},
		resource.KindRouter:   routerAdapter{router, tokenLister{router}, subnetAttacher{router}},
		resource.KindFirewall: networkingAdapter{firewall, tokenLister{firewall}},
		resource.KindKeyPair:  namedAdapter{keyPair, fullLister{keyPair}},
		resource.KindBucket:   namedAdapter{bucket, fullLister{bucket}},
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Per-kind builders
// ═══════════════════════════════════════════════════════════════════════════

func (p *Provider) zoneOr(s resource.Scope) resource.Scope {
	if s.Type == resource.ScopeZone && s.Name != "" {
		return s
	}
	return resource.Zone(p.opts.Zone)
}

func (p *Provider) regionOr(s resource.Scope) resource.Scope {
	switch {
	case s.Type == resource.ScopeRegion && s.Name != "":
		return s
	case s.Type == resource.ScopeZone && s.Name != "":
		return resource.Region(p.RegionOf(s.Name))
	}
	return resource.Region(p.opts.Region)
}

func (p *Provider) requireExists(kind resource.Kind, id string) (*record, error) {
	r, ok := p.st.get(kind, id)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, resource.ErrNotFound)
	}
	return r, nil
}

func (p *Provider) buildInstance(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.InstanceSpec)
	if len(s.Disks) == 0 || !s.Disks[0].Boot {
		return nil, &resource.ValidationError{Kind: resource.KindInstance, Field: "disks", Value: s.Name, Reason: "boot disk required"}
	}
	scope := p.zoneOr(s.Scope)
	attrs := map[string]string{
		resource.AttrZone:   scope.Name,
		resource.AttrVMType: s.VMType,
	}

	var disks, autoDelete []string
	for _, d := range s.Disks {
		switch {
		case d.Volume != nil:
			if _, err := p.requireExists(resource.KindVolume, d.Volume.ProviderID); err != nil {
				return nil, err
			}
			disks = append(disks, d.Volume.ProviderID)
			if d.AutoDelete {
				autoDelete = append(autoDelete, d.Volume.ProviderID)
			}
		case d.Image != "":
			attrs[resource.AttrImage] = d.Image
		}
	}
	attrs[attrDisks] = strings.Join(disks, ",")
	attrs[attrAutoDelete] = strings.Join(autoDelete, ",")

	if s.Subnet != nil {
		sub, err := p.requireExists(resource.KindSubnet, s.Subnet.ProviderID)
		if err != nil {
			return nil, err
		}
		attrs[resource.AttrSubnet] = sub.ID
		attrs[resource.AttrNetwork] = sub.Attrs[resource.AttrNetwork]
	}
	if s.KeyPair != "" {
		if _, err := p.requireExists(resource.KindKeyPair, s.KeyPair); err != nil {
			return nil, err
		}
		attrs[attrKeyPair] = s.KeyPair
	}
	if len(s.Firewalls) > 0 {
		attrs[attrFirewalls] = strings.Join(s.Firewalls, ",")
	}

	return &record{Scope: scope, Status: "running", Attrs: attrs}, nil
}

// attachDisks marks the instance's volumes as in use.
func (p *Provider) attachDisks(r *record) error {
	for _, id := range splitList(r.Attrs[attrDisks]) {
		if err := p.st.update(resource.KindVolume, id, func(v *record) { v.Attrs[attrAttachedTo] = r.ID }); err != nil {
			return err
		}
	}
	return nil
}

// releaseDisks detaches an instance's volumes and deletes those marked for
// deletion on terminate.
func (p *Provider) releaseDisks(r *record) error {
	autoDelete := splitList(r.Attrs[attrAutoDelete])
	for _, id := range splitList(r.Attrs[attrDisks]) {
		if contains(autoDelete, id) {
			if err := p.st.remove(resource.KindVolume, id); err != nil && !resource.IsNotFound(err) {
				return err
			}
			continue
		}
		err := p.st.update(resource.KindVolume, id, func(v *record) { delete(v.Attrs, attrAttachedTo) })
		if err != nil && !resource.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *Provider) buildVolume(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.VolumeSpec)
	scope := p.zoneOr(s.Scope)
	size := s.SizeGB
	attrs := map[string]string{resource.AttrZone: scope.Name}
	if s.Snapshot != nil {
		snap, err := p.requireExists(resource.KindSnapshot, s.Snapshot.ProviderID)
		if err != nil {
			return nil, err
		}
		attrs[resource.AttrSnapshot] = snap.ID
		if size == 0 {
			size, _ = strconv.Atoi(snap.Attrs[resource.AttrSizeGB])
		}
	}
	if size <= 0 {
		return nil, &resource.ValidationError{Kind: resource.KindVolume, Field: "size_gb", Value: strconv.Itoa(size), Reason: "must be positive"}
	}
	attrs[resource.AttrSizeGB] = strconv.Itoa(size)
	return &record{Scope: scope, Status: "ready", Attrs: attrs}, nil
}

func (p *Provider) buildSnapshot(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.SnapshotSpec)
	vol, err := p.requireExists(resource.KindVolume, s.Volume.ProviderID)
	if err != nil {
		return nil, err
	}
	return &record{Status: "ready", Attrs: map[string]string{
		resource.AttrVolume: vol.ID,
		resource.AttrSizeGB: vol.Attrs[resource.AttrSizeGB],
	}}, nil
}

func (p *Provider) buildNetwork(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.NetworkSpec)
	attrs := map[string]string{}
	if s.CIDRBlock != "" {
		prefix, err := netip.ParsePrefix(s.CIDRBlock)
		if err != nil {
			return nil, &resource.ValidationError{Kind: resource.KindNetwork, Field: "cidr_block", Value: s.CIDRBlock, Reason: err.Error()}
		}
		attrs[resource.AttrCIDRBlock] = prefix.Masked().String()
	}
	return &record{Status: "ready", Attrs: attrs}, nil
}

func (p *Provider) buildSubnet(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.SubnetSpec)
	if _, err := p.requireExists(resource.KindNetwork, s.Network.ProviderID); err != nil {
		return nil, err
	}
	prefix, err := netip.ParsePrefix(s.CIDRBlock)
	if err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindSubnet, Field: "cidr_block", Value: s.CIDRBlock, Reason: err.Error()}
	}
	scope := p.regionOr(s.Scope)
	return &record{Scope: scope, Status: "ready", Attrs: map[string]string{
		resource.AttrNetwork:   s.Network.ProviderID,
		resource.AttrCIDRBlock: prefix.Masked().String(),
		resource.AttrRegion:    scope.Name,
	}}, nil
}

func (p *Provider) buildRouter(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.RouterSpec)
	if _, err := p.requireExists(resource.KindNetwork, s.Network.ProviderID); err != nil {
		return nil, err
	}
	scope := p.regionOr(s.Scope)
	return &record{Scope: scope, Status: "ready", Attrs: map[string]string{
		resource.AttrNetwork: s.Network.ProviderID,
		resource.AttrRegion:  scope.Name,
	}}, nil
}

func (p *Provider) buildFirewall(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.FirewallSpec)
	attrs := map[string]string{}
	if s.Network != nil {
		if _, err := p.requireExists(resource.KindNetwork, s.Network.ProviderID); err != nil {
			return nil, err
		}
		attrs[resource.AttrNetwork] = s.Network.ProviderID
	}
	rules := make([]string, 0, len(s.Rules))
	for _, rule := range s.Rules {
		rules = append(rules, fmt.Sprintf("%s:%s:%d-%d:%s", rule.Direction, rule.Protocol, rule.FromPort, rule.ToPort, rule.CIDR))
	}
	attrs[attrRules] = strings.Join(rules, ";")
	return &record{Status: "ready", Attrs: attrs}, nil
}

func (p *Provider) buildKeyPair(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.KeyPairSpec)
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.PublicKey))
	if err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindKeyPair, Field: "public_key", Value: s.Name, Reason: err.Error()}
	}
	return &record{Status: "ready", Attrs: map[string]string{
		resource.AttrPublicKey:   strings.TrimSpace(s.PublicKey),
		resource.AttrFingerprint: ssh.FingerprintSHA256(pub),
	}}, nil
}

func (p *Provider) buildBucket(_ context.Context, spec resource.Spec) (*record, error) {
	s := spec.(*resource.BucketSpec)
	location := s.Location
	if location == "" {
		location = p.opts.Region
	}
	return &record{Status: "ready", Attrs: map[string]string{resource.AttrLocation: location}}, nil
}

// refuseIfUsed blocks deleting a network that still has children.
func (p *Provider) refuseIfUsed(kinds ...resource.Kind) func(*record) error {
	return func(r *record) error {
		for _, kind := range kinds {
			var child string
			p.st.scan(kind, "", func(c *record) bool {
				if c.Attrs[resource.AttrNetwork] == r.ID {
					child = c.ID
					return false
				}
				return true
			})
			if child != "" {
				return fmt.Errorf("network %s still has %s %s: %w", r.ID, kind, child, resource.ErrConflict)
			}
		}
		return nil
	}
}

func toResource(r *record) resource.Resource {
	h := resource.Handle{Kind: r.Kind, ProviderID: r.ID, Scope: r.Scope}
	attrs := r.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	return resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      r.ID,
		Label:     r.Label,
		Status:    r.Status,
		Link:      Link(h),
		Attrs:     attrs,
		CreatedAt: r.CreatedAt,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func appendList(list, item string) string {
	if list == "" {
		return item
	}
	if contains(splitList(list), item) {
		return list
	}
	return list + "," + item
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
