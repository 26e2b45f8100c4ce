package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Default networking names. The default network is both named and labeled
// DefaultName, so resolving DefaultName finds it either way.
const (
	DefaultName        = "cumulus-default"
	DefaultNetworkCIDR = "10.0.0.0/16"
	DefaultSubnetCIDR  = "10.0.0.0/24"
)

// Networks manages private networks.
type Networks struct {
	*Service
}

// Create creates a network.
func (n *Networks) Create(ctx context.Context, spec resource.NetworkSpec) (*resource.Resource, error) {
	return n.Service.Create(ctx, &spec)
}

// GetOrCreateDefault returns the default network, creating it if needed.
// Concurrent callers converge on the same network.
func (n *Networks) GetOrCreateDefault(ctx context.Context) (*resource.Resource, error) {
	return getOrCreate(ctx, n.Service, resource.ByID(DefaultName), &resource.NetworkSpec{
		SpecMeta:  resource.SpecMeta{Name: DefaultName, Label: DefaultName},
		CIDRBlock: DefaultNetworkCIDR,
	})
}

// getOrCreate looks ref up, creates spec when absent, and falls back to a
// second lookup when a racing creator won.
func getOrCreate(ctx context.Context, s *Service, ref resource.Ref, spec resource.Spec) (*resource.Resource, error) {
	found, err := s.Get(ctx, ref)
	if err != nil || found != nil {
		return found, err
	}

	created, err := s.Create(ctx, spec)
	var dup *resource.DuplicateResourceError
	if errors.As(err, &dup) {
		s.logger.Debug().Str("name", spec.Meta().Name).Msg("default created concurrently, looking it up")
		found, err := s.Get(ctx, resource.ByID(spec.Meta().Name))
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, fmt.Errorf("default %s %s vanished after conflict: %w", s.kind, spec.Meta().Name, resource.ErrNotFound)
		}
		return found, nil
	}
	return created, err
}

// Routers manages routers (route tables).
type Routers struct {
	*Service
	networks *Networks
}

// Create creates a router in network.
func (r *Routers) Create(ctx context.Context, spec resource.RouterSpec, network resource.Ref) (*resource.Resource, error) {
	net, err := mustGet(ctx, r.networks.Service, network)
	if err != nil {
		return nil, err
	}
	spec.Network = net.Handle
	return r.Service.Create(ctx, &spec)
}

// GetOrCreateDefault returns the default router of network in the
// provider's default region.
func (r *Routers) GetOrCreateDefault(ctx context.Context, network resource.Ref) (*resource.Resource, error) {
	net, err := mustGet(ctx, r.networks.Service, network)
	if err != nil {
		return nil, err
	}
	return r.defaultIn(ctx, net.Handle, r.provider.Defaults().Region)
}

func (r *Routers) defaultIn(ctx context.Context, network resource.Handle, region string) (*resource.Resource, error) {
	name := DefaultName + "-" + region
	return getOrCreate(ctx, r.Service, resource.ByID(name), &resource.RouterSpec{
		SpecMeta: resource.SpecMeta{Name: name, Label: DefaultName, Scope: resource.Region(region)},
		Network:  network,
	})
}

// Subnets manages subnets.
type Subnets struct {
	*Service
	networks *Networks
	routers  *Routers
}

// Create creates a subnet in network.
func (s *Subnets) Create(ctx context.Context, spec resource.SubnetSpec, network resource.Ref) (*resource.Resource, error) {
	net, err := mustGet(ctx, s.networks.Service, network)
	if err != nil {
		return nil, err
	}
	spec.Network = net.Handle
	return s.Service.Create(ctx, &spec)
}

// ListInNetwork returns one page of the subnets of network.
func (s *Subnets) ListInNetwork(ctx context.Context, network resource.Ref, limit int, cursor resource.Cursor) (_ resource.Page[resource.Resource], err error) {
	ctx, end := s.start(ctx, "list_in_network")
	defer func() { end(err) }()

	if s.adapter == nil {
		return resource.Page[resource.Resource]{}, s.adapterErr
	}
	net, err := s.networks.Get(ctx, network)
	if err != nil {
		return resource.Page[resource.Resource]{}, err
	}
	if net == nil {
		return resource.EmptyPage[resource.Resource](), nil
	}
	return s.list(ctx, provider.ListQuery{Parent: &net.Handle}, limit, cursor)
}

// GetOrCreateDefault returns the default subnet of the region containing
// zone, creating the default network, subnet and router as needed. An
// empty zone means the provider default zone.
func (s *Subnets) GetOrCreateDefault(ctx context.Context, zone string) (*resource.Resource, error) {
	if s.adapter == nil {
		return nil, s.adapterErr
	}
	if zone == "" {
		zone = s.provider.Defaults().Zone
	}
	region := s.provider.RegionOf(zone)

	net, err := s.networks.GetOrCreateDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("default network: %w", err)
	}

	existing, err := s.all(ctx, provider.ListQuery{Parent: &net.Handle})
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Label == DefaultName && subnetRegion(existing[i]) == region {
			return &existing[i], nil
		}
	}

	cidr, err := nextSubnetCIDR(existing)
	if err != nil {
		return nil, err
	}
	name := DefaultName + "-" + region
	subnet, err := getOrCreate(ctx, s.Service, resource.ByID(name), &resource.SubnetSpec{
		SpecMeta:  resource.SpecMeta{Name: name, Label: DefaultName, Scope: resource.Region(region)},
		Network:   net.Handle,
		CIDRBlock: cidr,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ensureRouter(ctx, net.Handle, subnet.Handle, region); err != nil {
		return subnet, err
	}
	return subnet, nil
}

// ensureRouter creates the default router and attaches the subnet when the
// provider supports both.
func (s *Subnets) ensureRouter(ctx context.Context, network, subnet resource.Handle, region string) error {
	if !s.routers.Supported() {
		s.logger.Debug().Str("provider", s.provider.Name()).Msg("no routers, skipping default router")
		return nil
	}
	router, err := s.routers.defaultIn(ctx, network, region)
	if err != nil {
		return fmt.Errorf("default router: %w", err)
	}
	attacher, ok := s.routers.adapter.(provider.SubnetAttacher)
	if !ok {
		return nil
	}
	if err := attacher.AttachSubnet(ctx, router.Handle, subnet); err != nil {
		return fmt.Errorf("attach %s to %s: %w", subnet, router.Handle, err)
	}
	return nil
}

func subnetRegion(r resource.Resource) string {
	if v := r.Attr(resource.AttrRegion); v != "" {
		return v
	}
	return r.Handle.Scope.Name
}

// nextSubnetCIDR picks the block right after the highest existing subnet,
// with the same prefix length. Subnets are ordered by address, then by
// prefix length. This is a best-effort guess: it does not look for gaps or
// check the network's own range.
func nextSubnetCIDR(subnets []resource.Resource) (string, error) {
	var prefixes []netip.Prefix
	for _, sn := range subnets {
		p, err := netip.ParsePrefix(sn.Attr(resource.AttrCIDRBlock))
		if err != nil || !p.Addr().Is4() {
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}
	if len(prefixes) == 0 {
		return DefaultSubnetCIDR, nil
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if c := prefixes[i].Addr().Compare(prefixes[j].Addr()); c != 0 {
			return c < 0
		}
		return prefixes[i].Bits() < prefixes[j].Bits()
	})

	last := prefixes[len(prefixes)-1]
	a := last.Addr().As4()
	base := uint64(a[0])<<24 | uint64(a[1])<<16 | uint64(a[2])<<8 | uint64(a[3])
	next := base + 1<<(32-last.Bits())
	if next > 0xFFFFFFFF {
		return "", fmt.Errorf("no room for a subnet after %s", last)
	}
	addr := netip.AddrFrom4([4]byte{byte(next >> 24), byte(next >> 16), byte(next >> 8), byte(next)})
	return netip.PrefixFrom(addr, last.Bits()).String(), nil
}

// Firewalls manages firewalls (security groups).
type Firewalls struct {
	*Service
	networks *Networks
}

// Create creates a firewall. A valid network ref places it in that
// network; otherwise the provider decides.
func (f *Firewalls) Create(ctx context.Context, spec resource.FirewallSpec, network resource.Ref) (*resource.Resource, error) {
	if network.Valid() {
		net, err := mustGet(ctx, f.networks.Service, network)
		if err != nil {
			return nil, err
		}
		spec.Network = &net.Handle
	}
	return f.Service.Create(ctx, &spec)
}

// mustGet is Get with absence turned into an error.
func mustGet(ctx context.Context, s *Service, ref resource.Ref) (*resource.Resource, error) {
	r, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%s %s: %w", s.kind, ref, resource.ErrNotFound)
	}
	return r, nil
}
