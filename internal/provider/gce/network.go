package gce

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	compute "google.golang.org/api/compute/v1"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// regionConcurrency bounds parallel per-region list calls.
const regionConcurrency = 8

func (p *Provider) regions(ctx context.Context) ([]string, error) {
	var names []string
	err := p.compute.Regions.List(p.project).Pages(ctx, func(page *compute.RegionList) error {
		for _, r := range page.Items {
			names = append(names, r.Name)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "region", "list", "")
	}
	return names, nil
}

// eachRegion runs fn for every region in parallel and concatenates the
// results in region order.
func eachRegion(ctx context.Context, p *Provider, fn func(ctx context.Context, region string) ([]resource.Resource, error)) ([]resource.Resource, error) {
	regions, err := p.regions(ctx)
	if err != nil {
		return nil, err
	}
	results := make([][]resource.Resource, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(regionConcurrency)
	for i, region := range regions {
		g.Go(func() error {
			items, err := fn(gctx, region)
			if err != nil {
				return fmt.Errorf("region %s: %w", region, err)
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []resource.Resource
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}

// regionalGet looks h up in its region. With no region in the handle it
// tries the default region first, then every region by name.
func regionalGet(ctx context.Context, p *Provider, h resource.Handle,
	get func(ctx context.Context, region string) (resource.Resource, error),
	find func(ctx context.Context, region, filter string) ([]resource.Resource, error),
) (resource.Resource, error) {
	r, err := get(ctx, p.regionOf(h.Scope))
	if err == nil || !h.Scope.IsZero() || !resource.IsNotFound(err) {
		return r, err
	}
	filter := fmt.Sprintf("name = %q", h.ProviderID)
	found, ferr := eachRegion(ctx, p, func(ctx context.Context, region string) ([]resource.Resource, error) {
		return find(ctx, region, filter)
	})
	if ferr != nil {
		return resource.Resource{}, ferr
	}
	if len(found) == 0 {
		return resource.Resource{}, err
	}
	if len(found) > 1 {
		p.logger.Warn().Str("kind", string(h.Kind)).Str("id", h.ProviderID).Int("matches", len(found)).
			Msg("name exists in several regions, using the first")
	}
	return found[0], nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Networks
// ═══════════════════════════════════════════════════════════════════════════

type networks struct{ p *Provider }

func (a *networks) Kind() resource.Kind { return resource.KindNetwork }
func (a *networks) MaxPageSize() int    { return maxPageSize }

func (a *networks) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	n, err := a.p.compute.Networks.Get(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindNetwork, "get", h.ProviderID)
	}
	return a.p.networkResource(n), nil
}

// Create makes a custom-mode network. GCE networks have no address range
// of their own; the CIDR block is kept in the description for display.
func (a *networks) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.NetworkSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	desc := s.Description
	if desc == "" && s.CIDRBlock != "" {
		desc = cidrPrefix + s.CIDRBlock
	}
	n := &compute.Network{
		Name:                  s.Name,
		Description:           desc,
		AutoCreateSubnetworks: false,
		ForceSendFields:       []string{"AutoCreateSubnetworks"},
	}
	op, err := a.p.compute.Networks.Insert(a.p.project, n).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindNetwork, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindNetwork, ProviderID: s.Name}), nil
}

const cidrPrefix = "cidr="

func (p *Provider) networkResource(n *compute.Network) resource.Resource {
	r := p.base(resource.KindNetwork, n.Name, resource.Global, n.SelfLink, n.CreationTimestamp)
	r.Status = "available"
	if cidr, ok := strings.CutPrefix(n.Description, cidrPrefix); ok {
		r.Attrs[resource.AttrCIDRBlock] = cidr
	} else if n.Description != "" {
		r.Attrs[resource.AttrDescription] = n.Description
	}
	return r
}

func (a *networks) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	op, err := a.p.compute.Networks.Delete(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindNetwork, "delete", h.ProviderID)
	}
	h.Scope = resource.Global
	return started(op, h), nil
}

func (a *networks) ListPage(ctx context.Context, _ provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	resp, err := a.p.compute.Networks.List(a.p.project).
		MaxResults(int64(limit)).PageToken(token).Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, resource.KindNetwork, "list", "")
	}
	items := make([]resource.Resource, 0, len(resp.Items))
	for _, n := range resp.Items {
		items = append(items, a.p.networkResource(n))
	}
	return items, resp.NextPageToken, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Subnetworks
// ═══════════════════════════════════════════════════════════════════════════

type subnetworks struct{ p *Provider }

func (a *subnetworks) Kind() resource.Kind { return resource.KindSubnet }

func (a *subnetworks) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	return regionalGet(ctx, a.p, h,
		func(ctx context.Context, region string) (resource.Resource, error) {
			sn, err := a.p.compute.Subnetworks.Get(a.p.project, region, h.ProviderID).Context(ctx).Do()
			if err != nil {
				return resource.Resource{}, classify(err, resource.KindSubnet, "get", h.ProviderID)
			}
			return a.p.subnetResource(sn), nil
		},
		a.listRegion)
}

func (a *subnetworks) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.SubnetSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	region := a.p.regionOf(s.Scope)
	sn := &compute.Subnetwork{
		Name:        s.Name,
		Description: s.Description,
		Network:     a.p.relativeLink(s.Network),
		IpCidrRange: s.CIDRBlock,
		Region:      region,
	}
	op, err := a.p.compute.Subnetworks.Insert(a.p.project, region, sn).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindSubnet, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindSubnet, ProviderID: s.Name, Scope: resource.Region(region)}), nil
}

func (p *Provider) subnetResource(sn *compute.Subnetwork) resource.Resource {
	region := lastSegment(sn.Region)
	r := p.base(resource.KindSubnet, sn.Name, resource.Region(region), sn.SelfLink, sn.CreationTimestamp)
	r.Status = "available"
	r.Attrs[resource.AttrRegion] = region
	r.Attrs[resource.AttrCIDRBlock] = sn.IpCidrRange
	r.Attrs[resource.AttrNetwork] = lastSegment(sn.Network)
	if sn.Description != "" {
		r.Attrs[resource.AttrDescription] = sn.Description
	}
	return r
}

func (a *subnetworks) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	region := a.p.regionOf(h.Scope)
	op, err := a.p.compute.Subnetworks.Delete(a.p.project, region, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindSubnet, "delete", h.ProviderID)
	}
	h.Scope = resource.Region(region)
	return started(op, h), nil
}

// ListAll lists one region, or every region in parallel when the query
// has no scope.
func (a *subnetworks) ListAll(ctx context.Context, q provider.ListQuery) ([]resource.Resource, error) {
	var (
		items []resource.Resource
		err   error
	)
	if q.Scope.IsZero() {
		items, err = eachRegion(ctx, a.p, func(ctx context.Context, region string) ([]resource.Resource, error) {
			return a.listRegion(ctx, region, "")
		})
	} else {
		items, err = a.listRegion(ctx, a.p.regionOf(q.Scope), "")
	}
	if err != nil {
		return nil, err
	}
	return inNetwork(items, q.Parent), nil
}

func (a *subnetworks) listRegion(ctx context.Context, region, filter string) ([]resource.Resource, error) {
	call := a.p.compute.Subnetworks.List(a.p.project, region).MaxResults(maxPageSize)
	if filter != "" {
		call = call.Filter(filter)
	}
	var out []resource.Resource
	err := call.Pages(ctx, func(page *compute.SubnetworkList) error {
		for _, sn := range page.Items {
			out = append(out, a.p.subnetResource(sn))
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, resource.KindSubnet, "list", region)
	}
	return out, nil
}

func inNetwork(items []resource.Resource, parent *resource.Handle) []resource.Resource {
	if parent == nil {
		return items
	}
	out := items[:0]
	for _, r := range items {
		if r.Attr(resource.AttrNetwork) == parent.ProviderID {
			out = append(out, r)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Routers
// ═══════════════════════════════════════════════════════════════════════════

// routers are Cloud Routers. GCE routes a whole network, so there is no
// per-subnet attachment.
type routers struct{ p *Provider }

func (a *routers) Kind() resource.Kind { return resource.KindRouter }

func (a *routers) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	return regionalGet(ctx, a.p, h,
		func(ctx context.Context, region string) (resource.Resource, error) {
			rt, err := a.p.compute.Routers.Get(a.p.project, region, h.ProviderID).Context(ctx).Do()
			if err != nil {
				return resource.Resource{}, classify(err, resource.KindRouter, "get", h.ProviderID)
			}
			return a.p.routerResource(rt), nil
		},
		a.listRegion)
}

func (a *routers) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.RouterSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	region := a.p.regionOf(s.Scope)
	rt := &compute.Router{
		Name:        s.Name,
		Description: s.Description,
		Network:     a.p.relativeLink(s.Network),
		Region:      region,
	}
	op, err := a.p.compute.Routers.Insert(a.p.project, region, rt).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindRouter, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindRouter, ProviderID: s.Name, Scope: resource.Region(region)}), nil
}

func (p *Provider) routerResource(rt *compute.Router) resource.Resource {
	region := lastSegment(rt.Region)
	r := p.base(resource.KindRouter, rt.Name, resource.Region(region), rt.SelfLink, rt.CreationTimestamp)
	r.Status = "available"
	r.Attrs[resource.AttrRegion] = region
	r.Attrs[resource.AttrNetwork] = lastSegment(rt.Network)
	return r
}

func (a *routers) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	region := a.p.regionOf(h.Scope)
	op, err := a.p.compute.Routers.Delete(a.p.project, region, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindRouter, "delete", h.ProviderID)
	}
	h.Scope = resource.Region(region)
	return started(op, h), nil
}

func (a *routers) ListAll(ctx context.Context, q provider.ListQuery) ([]resource.Resource, error) {
	var (
		items []resource.Resource
		err   error
	)
	if q.Scope.IsZero() {
		items, err = eachRegion(ctx, a.p, func(ctx context.Context, region string) ([]resource.Resource, error) {
			return a.listRegion(ctx, region, "")
		})
	} else {
		items, err = a.listRegion(ctx, a.p.regionOf(q.Scope), "")
	}
	if err != nil {
		return nil, err
	}
	return inNetwork(items, q.Parent), nil
}

func (a *routers) listRegion(ctx context.Context, region, filter string) ([]resource.Resource, error) {
	call := a.p.compute.Routers.List(a.p.project, region).MaxResults(maxPageSize)
	if filter != "" {
		call = call.Filter(filter)
	}
	var out []resource.Resource
	err := call.Pages(ctx, func(page *compute.RouterList) error {
		for _, rt := range page.Items {
			out = append(out, a.p.routerResource(rt))
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, resource.KindRouter, "list", region)
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Firewalls
// ═══════════════════════════════════════════════════════════════════════════

// firewalls map one FirewallSpec to one GCE firewall. Instances join a
// firewall through a network tag named after it.
type firewalls struct{ p *Provider }

func (a *firewalls) Kind() resource.Kind { return resource.KindFirewall }
func (a *firewalls) MaxPageSize() int    { return maxPageSize }

func (a *firewalls) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	fw, err := a.p.compute.Firewalls.Get(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindFirewall, "get", h.ProviderID)
	}
	return a.p.firewallResource(fw), nil
}

func (a *firewalls) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.FirewallSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	fw, err := a.p.buildFirewall(s)
	if err != nil {
		return nil, err
	}
	op, err := a.p.compute.Firewalls.Insert(a.p.project, fw).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindFirewall, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindFirewall, ProviderID: s.Name}), nil
}

// buildFirewall requires every rule to share one direction, since a GCE
// firewall is either ingress or egress.
func (p *Provider) buildFirewall(s *resource.FirewallSpec) (*compute.Firewall, error) {
	fw := &compute.Firewall{
		Name:        s.Name,
		Description: s.Description,
		Network:     defaultNetwork,
		Direction:   "INGRESS",
		TargetTags:  []string{s.Name},
	}
	if s.Network != nil {
		fw.Network = p.relativeLink(*s.Network)
	}

	var ranges []string
	for i, rule := range s.Rules {
		dir := "INGRESS"
		if rule.Direction == resource.Outbound {
			dir = "EGRESS"
		}
		if i == 0 {
			fw.Direction = dir
			fw.Priority = int64(rule.Priority)
		} else if dir != fw.Direction {
			return nil, &resource.ValidationError{Kind: resource.KindFirewall, Field: "rules", Value: s.Name,
				Reason: "all rules of a GCE firewall must share one direction"}
		}
		allowed := &compute.FirewallAllowed{IPProtocol: strings.ToLower(rule.Protocol)}
		if allowed.IPProtocol == "" {
			allowed.IPProtocol = "tcp"
		}
		if rule.FromPort > 0 {
			ports := strconv.Itoa(rule.FromPort)
			if rule.ToPort > rule.FromPort {
				ports += "-" + strconv.Itoa(rule.ToPort)
			}
			allowed.Ports = []string{ports}
		}
		fw.Allowed = append(fw.Allowed, allowed)
		if rule.CIDR != "" && !contains(ranges, rule.CIDR) {
			ranges = append(ranges, rule.CIDR)
		}
	}
	if fw.Direction == "EGRESS" {
		fw.DestinationRanges = ranges
	} else {
		fw.SourceRanges = ranges
	}
	return fw, nil
}

func (p *Provider) firewallResource(fw *compute.Firewall) resource.Resource {
	r := p.base(resource.KindFirewall, fw.Name, resource.Global, fw.SelfLink, fw.CreationTimestamp)
	r.Status = "available"
	r.Attrs[resource.AttrNetwork] = lastSegment(fw.Network)
	r.Attrs["direction"] = strings.ToLower(fw.Direction)
	var rules []string
	for _, al := range fw.Allowed {
		rules = append(rules, al.IPProtocol+":"+strings.Join(al.Ports, ","))
	}
	r.Attrs["rules"] = strings.Join(rules, ";")
	if fw.Description != "" {
		r.Attrs[resource.AttrDescription] = fw.Description
	}
	return r
}

func (a *firewalls) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	op, err := a.p.compute.Firewalls.Delete(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindFirewall, "delete", h.ProviderID)
	}
	h.Scope = resource.Global
	return started(op, h), nil
}

func (a *firewalls) ListPage(ctx context.Context, q provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	call := a.p.compute.Firewalls.List(a.p.project).MaxResults(int64(limit)).PageToken(token)
	if q.Parent != nil {
		call = call.Filter(fmt.Sprintf("network = %q", a.p.selfLink(*q.Parent)))
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, resource.KindFirewall, "list", "")
	}
	items := make([]resource.Resource, 0, len(resp.Items))
	for _, fw := range resp.Items {
		items = append(items, a.p.firewallResource(fw))
	}
	return items, resp.NextPageToken, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
