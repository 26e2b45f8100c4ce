package hetzner

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

const defaultNetworkCIDR = "10.0.0.0/16"

// ═══════════════════════════════════════════════════════════════════════════
// Networks
// ═══════════════════════════════════════════════════════════════════════════

type networks struct {
	*collection[hcloud.Network]
}

func (p *Provider) newNetworks() *networks {
	c := &p.client.Network
	return &networks{&collection[hcloud.Network]{
		p:      p,
		kind:   resource.KindNetwork,
		byID:   c.GetByID,
		byName: c.GetByName,
		list: func(ctx context.Context, opts hcloud.ListOpts) ([]*hcloud.Network, *hcloud.Response, error) {
			return c.List(ctx, hcloud.NetworkListOpts{ListOpts: opts})
		},
		relabel: func(ctx context.Context, n *hcloud.Network, labels map[string]string) error {
			_, _, err := c.Update(ctx, n, hcloud.NetworkUpdateOpts{Labels: labels})
			return err
		},
		labels:  func(n *hcloud.Network) map[string]string { return n.Labels },
		convert: networkResource,
	}}
}

// Create is synchronous.
func (a *networks) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.NetworkSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	cidr := s.CIDRBlock
	if cidr == "" {
		cidr = defaultNetworkCIDR
	}
	_, ipRange, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindNetwork, Field: "cidr", Value: cidr, Reason: err.Error()}
	}
	n, _, err := a.p.client.Network.Create(ctx, hcloud.NetworkCreateOpts{
		Name:    s.Name,
		IPRange: ipRange,
		Labels:  labelsFor(&s.SpecMeta),
	})
	if err != nil {
		return nil, classify(err, resource.KindNetwork, "create", s.Name)
	}
	h := resource.Handle{Kind: resource.KindNetwork, ProviderID: strconv.FormatInt(n.ID, 10)}
	return operation.Completed(h, linkOf(h)), nil
}

// Delete removes the network with its subnets.
func (a *networks) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	n, err := a.must(ctx, "delete", h.ProviderID)
	if err != nil {
		return nil, err
	}
	if _, err := a.p.client.Network.Delete(ctx, n); err != nil {
		return nil, classify(err, resource.KindNetwork, "delete", h.ProviderID)
	}
	return operation.Completed(h, linkOf(h)), nil
}

// networkResource keeps the cumulus label only; subnet label entries stay
// internal.
func networkResource(n *hcloud.Network) resource.Resource {
	h := resource.Handle{Kind: resource.KindNetwork, ProviderID: strconv.FormatInt(n.ID, 10)}
	r := resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      n.Name,
		Label:     n.Labels[labelKey],
		Status:    "available",
		Link:      linkOf(h),
		CreatedAt: n.Created,
		Attrs:     map[string]string{"subnets": strconv.Itoa(len(n.Subnets))},
	}
	if n.IPRange != nil {
		r.Attrs[resource.AttrCIDRBlock] = n.IPRange.String()
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════
// Subnets
// ═══════════════════════════════════════════════════════════════════════════

// subnets live inside their network and have no API of their own. Their
// labels are network labels keyed by CIDR.
type subnets struct{ p *Provider }

func (a *subnets) Kind() resource.Kind { return resource.KindSubnet }

func (a *subnets) networks() *networks { return a.p.adapters[resource.KindNetwork].(*networks) }

// find returns the network and subnet named by id. Malformed IDs cannot
// name a subnet and are not found.
func (a *subnets) find(ctx context.Context, op, id string) (*hcloud.Network, *hcloud.NetworkSubnet, error) {
	networkID, cidr, err := parseSubnetID(id)
	if err != nil {
		return nil, nil, notFound(op, resource.KindSubnet, id)
	}
	n, _, err := a.p.client.Network.GetByID(ctx, networkID)
	if err != nil {
		return nil, nil, classify(err, resource.KindSubnet, op, id)
	}
	if n == nil {
		return nil, nil, notFound(op, resource.KindSubnet, id)
	}
	for i := range n.Subnets {
		if sameCIDR(n.Subnets[i].IPRange, cidr) {
			return n, &n.Subnets[i], nil
		}
	}
	return nil, nil, notFound(op, resource.KindSubnet, id)
}

func (a *subnets) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	n, sn, err := a.find(ctx, "get", h.ProviderID)
	if err != nil {
		return resource.Resource{}, err
	}
	return subnetResource(n, sn), nil
}

// ListAll reads the parent network, or every network.
func (a *subnets) ListAll(ctx context.Context, q provider.ListQuery) ([]resource.Resource, error) {
	var nets []*hcloud.Network
	if q.Parent != nil {
		n, err := a.networks().must(ctx, "list", q.Parent.ProviderID)
		if err != nil {
			return nil, err
		}
		nets = []*hcloud.Network{n}
	} else {
		all, err := a.p.client.Network.All(ctx)
		if err != nil {
			return nil, classify(err, resource.KindSubnet, "list", "")
		}
		nets = all
	}

	var items []resource.Resource
	for _, n := range nets {
		for i := range n.Subnets {
			items = append(items, subnetResource(n, &n.Subnets[i]))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	return matching(provider.ListQuery{Scope: q.Scope}, items), nil
}

// Create adds a cloud subnet in the network zone of the requested scope.
func (a *subnets) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.SubnetSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	_, cidr, err := net.ParseCIDR(s.CIDRBlock)
	if err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindSubnet, Field: "cidr", Value: s.CIDRBlock, Reason: err.Error()}
	}
	n, err := a.networks().must(ctx, "create subnet in", s.Network.ProviderID)
	if err != nil {
		return nil, err
	}
	for _, sn := range n.Subnets {
		if sameCIDR(sn.IPRange, cidr) {
			return nil, &resource.DuplicateResourceError{Kind: resource.KindSubnet, Name: subnetID(n.ID, cidr)}
		}
	}
	zone := a.p.networkZoneOf(s.Scope)
	if zone == "" {
		return nil, &resource.ValidationError{Kind: resource.KindSubnet, Field: "scope", Value: s.Scope.String(),
			Reason: "no network zone"}
	}

	action, _, err := a.p.client.Network.AddSubnet(ctx, n, hcloud.NetworkAddSubnetOpts{
		Subnet: hcloud.NetworkSubnet{
			Type:        hcloud.NetworkSubnetTypeCloud,
			NetworkZone: hcloud.NetworkZone(zone),
			IPRange:     cidr,
		},
	})
	if err != nil {
		return nil, classify(err, resource.KindSubnet, "create", s.CIDRBlock)
	}
	h := resource.Handle{Kind: resource.KindSubnet, ProviderID: subnetID(n.ID, cidr)}
	if s.Label != "" {
		if err := a.relabel(ctx, n, cidr, s.Label); err != nil {
			return nil, fmt.Errorf("label subnet %s: %w", h.ProviderID, err)
		}
	}
	return a.p.started(h, action), nil
}

func (a *subnets) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	n, sn, err := a.find(ctx, "delete", h.ProviderID)
	if err != nil {
		return nil, err
	}
	action, _, err := a.p.client.Network.DeleteSubnet(ctx, n, hcloud.NetworkDeleteSubnetOpts{Subnet: *sn})
	if err != nil {
		return nil, classify(err, resource.KindSubnet, "delete", h.ProviderID)
	}
	if _, ok := n.Labels[subnetLabel(sn.IPRange)]; ok {
		if err := a.relabel(ctx, n, sn.IPRange, ""); err != nil {
			a.p.logger.Warn().Err(err).Str("subnet", h.ProviderID).Msg("failed to drop subnet label")
		}
	}
	return a.p.started(h, action), nil
}

func (a *subnets) SetLabel(ctx context.Context, h resource.Handle, l string) error {
	n, sn, err := a.find(ctx, "label", h.ProviderID)
	if err != nil {
		return err
	}
	return a.relabel(ctx, n, sn.IPRange, l)
}

// relabel rewrites the network labels. Concurrent label changes on
// subnets of one network can overwrite each other.
func (a *subnets) relabel(ctx context.Context, n *hcloud.Network, cidr *net.IPNet, l string) error {
	labels := withLabel(n.Labels, subnetLabel(cidr), l)
	updated, _, err := a.p.client.Network.Update(ctx, n, hcloud.NetworkUpdateOpts{Labels: labels})
	if err != nil {
		return classify(err, resource.KindSubnet, "label", subnetID(n.ID, cidr))
	}
	if updated != nil {
		n.Labels = updated.Labels
	}
	return nil
}

func subnetResource(n *hcloud.Network, sn *hcloud.NetworkSubnet) resource.Resource {
	id := subnetID(n.ID, sn.IPRange)
	h := resource.Handle{Kind: resource.KindSubnet, ProviderID: id}
	r := resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      id,
		Label:     n.Labels[subnetLabel(sn.IPRange)],
		Status:    "available",
		Link:      linkOf(h),
		CreatedAt: n.Created,
		Attrs: map[string]string{
			resource.AttrCIDRBlock: sn.IPRange.String(),
			resource.AttrNetwork:   strconv.FormatInt(n.ID, 10),
			resource.AttrRegion:    string(sn.NetworkZone),
		},
	}
	if sn.Gateway != nil {
		r.Attrs["gateway"] = sn.Gateway.String()
	}
	return r
}

func sameCIDR(a, b *net.IPNet) bool {
	return a != nil && b != nil && a.String() == b.String()
}

// ═══════════════════════════════════════════════════════════════════════════
// Firewalls
// ═══════════════════════════════════════════════════════════════════════════

// firewalls are project wide. A requested network is ignored.
type firewalls struct {
	*collection[hcloud.Firewall]
}

func (p *Provider) newFirewalls() *firewalls {
	c := &p.client.Firewall
	return &firewalls{&collection[hcloud.Firewall]{
		p:      p,
		kind:   resource.KindFirewall,
		byID:   c.GetByID,
		byName: c.GetByName,
		list: func(ctx context.Context, opts hcloud.ListOpts) ([]*hcloud.Firewall, *hcloud.Response, error) {
			return c.List(ctx, hcloud.FirewallListOpts{ListOpts: opts})
		},
		relabel: func(ctx context.Context, f *hcloud.Firewall, labels map[string]string) error {
			_, _, err := c.Update(ctx, f, hcloud.FirewallUpdateOpts{Labels: labels})
			return err
		},
		labels:  func(f *hcloud.Firewall) map[string]string { return f.Labels },
		convert: firewallResource,
	}}
}

func (a *firewalls) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.FirewallSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if s.Network != nil {
		a.p.logger.Debug().Str("firewall", s.Name).Str("network", s.Network.ProviderID).Msg("firewalls are project wide, ignoring network")
	}
	rules, err := firewallRules(s.Name, s.Rules)
	if err != nil {
		return nil, err
	}
	res, _, err := a.p.client.Firewall.Create(ctx, hcloud.FirewallCreateOpts{
		Name:   s.Name,
		Labels: labelsFor(&s.SpecMeta),
		Rules:  rules,
	})
	if err != nil {
		return nil, classify(err, resource.KindFirewall, "create", s.Name)
	}
	h := resource.Handle{Kind: resource.KindFirewall, ProviderID: strconv.FormatInt(res.Firewall.ID, 10)}
	return a.p.started(h, res.Actions...), nil
}

func (a *firewalls) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	f, err := a.must(ctx, "delete", h.ProviderID)
	if err != nil {
		return nil, err
	}
	if _, err := a.p.client.Firewall.Delete(ctx, f); err != nil {
		return nil, classify(err, resource.KindFirewall, "delete", h.ProviderID)
	}
	return operation.Completed(h, linkOf(h)), nil
}

// firewallRules converts allow rules. "all" expands to TCP, UDP and ICMP
// since the API has no any-protocol rule. Priorities do not exist here.
func firewallRules(name string, rules []resource.FirewallRule) ([]hcloud.FirewallRule, error) {
	var out []hcloud.FirewallRule
	for _, r := range rules {
		cidr := r.CIDR
		if cidr == "" {
			cidr = "0.0.0.0/0"
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, &resource.ValidationError{Kind: resource.KindFirewall, Field: "cidr", Value: cidr, Reason: err.Error()}
		}

		var protocols []hcloud.FirewallRuleProtocol
		switch p := strings.ToLower(r.Protocol); p {
		case "", "all", "-1":
			protocols = []hcloud.FirewallRuleProtocol{
				hcloud.FirewallRuleProtocolTCP, hcloud.FirewallRuleProtocolUDP, hcloud.FirewallRuleProtocolICMP,
			}
		case "tcp", "udp", "icmp", "esp", "gre":
			protocols = []hcloud.FirewallRuleProtocol{hcloud.FirewallRuleProtocol(p)}
		default:
			return nil, &resource.ValidationError{Kind: resource.KindFirewall, Field: "protocol", Value: r.Protocol,
				Reason: fmt.Sprintf("firewall %s: unsupported protocol", name)}
		}

		for _, proto := range protocols {
			rule := hcloud.FirewallRule{Protocol: proto, Direction: hcloud.FirewallRuleDirectionIn, SourceIPs: []net.IPNet{*ipNet}}
			if r.Direction == resource.Outbound {
				rule.Direction = hcloud.FirewallRuleDirectionOut
				rule.SourceIPs = nil
				rule.DestinationIPs = []net.IPNet{*ipNet}
			}
			if proto == hcloud.FirewallRuleProtocolTCP || proto == hcloud.FirewallRuleProtocolUDP {
				rule.Port = hcloud.Ptr(portRange(r.FromPort, r.ToPort))
			}
			out = append(out, rule)
		}
	}
	return out, nil
}

func portRange(from, to int) string {
	switch {
	case from == 0 && to == 0:
		return "1-65535"
	case to == 0 || to == from:
		return strconv.Itoa(from)
	}
	return fmt.Sprintf("%d-%d", from, to)
}

func firewallResource(f *hcloud.Firewall) resource.Resource {
	h := resource.Handle{Kind: resource.KindFirewall, ProviderID: strconv.FormatInt(f.ID, 10)}
	rules := make([]string, 0, len(f.Rules))
	for _, r := range f.Rules {
		rule := string(r.Direction) + ":" + string(r.Protocol)
		if r.Port != nil {
			rule += ":" + *r.Port
		}
		rules = append(rules, rule)
	}
	return resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      f.Name,
		Label:     f.Labels[labelKey],
		Status:    "available",
		Link:      linkOf(h),
		CreatedAt: f.Created,
		Attrs:     map[string]string{"rules": strings.Join(rules, ";")},
	}
}
