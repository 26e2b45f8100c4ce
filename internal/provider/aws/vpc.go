package aws

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

const (
	defaultVPCCIDR = "10.0.0.0/16"
	// maxRouteTablePage is the DescribeRouteTables limit.
	maxRouteTablePage = 100
)

// ═══════════════════════════════════════════════════════════════════════════
// VPCs
// ═══════════════════════════════════════════════════════════════════════════

type vpcs struct{ ec2Kind }

func newVPCs(p *Provider) *vpcs {
	a := &vpcs{ec2Kind{p: p, kind: resource.KindNetwork, idFilter: "vpc-id", nameFilter: "tag:" + nameTag, max: maxPageSize}}
	a.describe = a.list
	return a
}

func (a *vpcs) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	out, err := a.p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters:    filters,
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindNetwork, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.Vpcs))
	for _, v := range out.Vpcs {
		r := a.p.base(resource.KindNetwork, aws.ToString(v.VpcId), scope, v.Tags)
		r.Status = string(v.State)
		r.Attrs[resource.AttrCIDRBlock] = aws.ToString(v.CidrBlock)
		items = append(items, r)
	}
	return items, aws.ToString(out.NextToken), nil
}

func (a *vpcs) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.NetworkSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if err := a.checkName(ctx, s.Scope, s.Name); err != nil {
		return nil, err
	}
	cidr := s.CIDRBlock
	if cidr == "" {
		cidr = defaultVPCCIDR
	}
	out, err := a.p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(cidr),
		TagSpecifications: tagSpec(types.ResourceTypeVpc, &s.SpecMeta),
	}, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindNetwork, "create", s.Name)
	}
	return a.p.started(opCreate, resource.Handle{Kind: resource.KindNetwork, ProviderID: aws.ToString(out.Vpc.VpcId), Scope: a.p.regional(s.Scope)}), nil
}

func (a *vpcs) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindNetwork, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Subnets
// ═══════════════════════════════════════════════════════════════════════════

// subnets are regional handles; the zone is an attribute.
type subnets struct{ ec2Kind }

func newSubnets(p *Provider) *subnets {
	a := &subnets{ec2Kind{p: p, kind: resource.KindSubnet, idFilter: "subnet-id", nameFilter: "tag:" + nameTag, max: maxPageSize}}
	a.describe = a.list
	return a
}

func (a *subnets) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	out, err := a.p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters:    parentFilters(q, filters),
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindSubnet, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.Subnets))
	for _, sn := range out.Subnets {
		r := a.p.base(resource.KindSubnet, aws.ToString(sn.SubnetId), scope, sn.Tags)
		r.Status = string(sn.State)
		r.Attrs[resource.AttrCIDRBlock] = aws.ToString(sn.CidrBlock)
		r.Attrs[resource.AttrNetwork] = aws.ToString(sn.VpcId)
		r.Attrs[resource.AttrZone] = aws.ToString(sn.AvailabilityZone)
		items = append(items, r)
	}
	return items, aws.ToString(out.NextToken), nil
}

func (a *subnets) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.SubnetSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if err := a.checkName(ctx, s.Scope, s.Name); err != nil {
		return nil, err
	}
	in := &ec2.CreateSubnetInput{
		VpcId:             aws.String(s.Network.ProviderID),
		CidrBlock:         aws.String(s.CIDRBlock),
		TagSpecifications: tagSpec(types.ResourceTypeSubnet, &s.SpecMeta),
	}
	if zone := zoneOf(s.Scope); zone != "" {
		in.AvailabilityZone = aws.String(zone)
	}
	out, err := a.p.ec2.CreateSubnet(ctx, in, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindSubnet, "create", s.Name)
	}
	return a.p.started(opCreate, resource.Handle{Kind: resource.KindSubnet, ProviderID: aws.ToString(out.Subnet.SubnetId), Scope: a.p.regional(s.Scope)}), nil
}

func (a *subnets) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindSubnet, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Route tables
// ═══════════════════════════════════════════════════════════════════════════

// routeTables back the router kind. Creation is synchronous.
type routeTables struct{ ec2Kind }

func newRouteTables(p *Provider) *routeTables {
	a := &routeTables{ec2Kind{p: p, kind: resource.KindRouter, idFilter: "route-table-id", nameFilter: "tag:" + nameTag, max: maxRouteTablePage}}
	a.describe = a.list
	return a
}

func (a *routeTables) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	if q.Parent != nil && q.Parent.Kind == resource.KindSubnet {
		filters = append(filters, filter("association.subnet-id", q.Parent.ProviderID))
		q.Parent = nil
	}
	out, err := a.p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters:    parentFilters(q, filters),
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindRouter, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.RouteTables))
	for _, rt := range out.RouteTables {
		r := a.p.base(resource.KindRouter, aws.ToString(rt.RouteTableId), scope, rt.Tags)
		r.Status = "available"
		r.Attrs[resource.AttrNetwork] = aws.ToString(rt.VpcId)
		var subnetIDs []string
		for _, assoc := range rt.Associations {
			if assoc.SubnetId != nil {
				subnetIDs = append(subnetIDs, *assoc.SubnetId)
			}
		}
		sort.Strings(subnetIDs)
		r.Attrs["subnets"] = strings.Join(subnetIDs, ",")
		items = append(items, r)
	}
	return items, aws.ToString(out.NextToken), nil
}

func (a *routeTables) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.RouterSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if err := a.checkName(ctx, s.Scope, s.Name); err != nil {
		return nil, err
	}
	out, err := a.p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(s.Network.ProviderID),
		TagSpecifications: tagSpec(types.ResourceTypeRouteTable, &s.SpecMeta),
	}, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindRouter, "create", s.Name)
	}
	return a.p.completed(resource.Handle{Kind: resource.KindRouter, ProviderID: aws.ToString(out.RouteTable.RouteTableId), Scope: a.p.regional(s.Scope)}), nil
}

func (a *routeTables) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindRouter, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

// AttachSubnet associates the subnet with the route table.
func (a *routeTables) AttachSubnet(ctx context.Context, router, subnet resource.Handle) error {
	_, err := a.p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(router.ProviderID),
		SubnetId:     aws.String(subnet.ProviderID),
	}, a.p.in(router.Scope)...)
	return classify(err, resource.KindRouter, "attach", router.ProviderID)
}

// ═══════════════════════════════════════════════════════════════════════════
// Security groups
// ═══════════════════════════════════════════════════════════════════════════

// securityGroups back the firewall kind. The group name is the name; EC2
// rejects duplicates itself.
type securityGroups struct{ ec2Kind }

func newSecurityGroups(p *Provider) *securityGroups {
	a := &securityGroups{ec2Kind{p: p, kind: resource.KindFirewall, idFilter: "group-id", nameFilter: "group-name", max: maxPageSize}}
	a.describe = a.list
	return a
}

func (a *securityGroups) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	out, err := a.p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters:    parentFilters(q, filters),
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindFirewall, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.SecurityGroups))
	for _, sg := range out.SecurityGroups {
		r := a.p.base(resource.KindFirewall, aws.ToString(sg.GroupId), scope, sg.Tags)
		r.Name = aws.ToString(sg.GroupName)
		r.Status = "available"
		r.Attrs[resource.AttrNetwork] = aws.ToString(sg.VpcId)
		r.Attrs[resource.AttrDescription] = aws.ToString(sg.Description)
		r.Attrs["rules"] = strconv.Itoa(len(sg.IpPermissions) + len(sg.IpPermissionsEgress))
		items = append(items, r)
	}
	return items, aws.ToString(out.NextToken), nil
}

// Create creates the group and authorizes its rules. Rule priorities have
// no EC2 equivalent and are ignored. A failed authorization leaves the
// group in place.
func (a *securityGroups) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.FirewallSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	desc := s.Description
	if desc == "" {
		desc = "cumulus firewall " + s.Name
	}
	in := &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(s.Name),
		Description:       aws.String(desc),
		TagSpecifications: tagSpec(types.ResourceTypeSecurityGroup, &s.SpecMeta),
	}
	if s.Network != nil {
		in.VpcId = aws.String(s.Network.ProviderID)
	}
	out, err := a.p.ec2.CreateSecurityGroup(ctx, in, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindFirewall, "create", s.Name)
	}
	id := aws.ToString(out.GroupId)
	h := resource.Handle{Kind: resource.KindFirewall, ProviderID: id, Scope: a.p.regional(s.Scope)}

	ingress, egress := permissions(s.Rules)
	if len(ingress) > 0 {
		_, err := a.p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId: aws.String(id), IpPermissions: ingress,
		}, a.p.in(s.Scope)...)
		if err != nil {
			return nil, classify(err, resource.KindFirewall, "authorize ingress", id)
		}
	}
	if len(egress) > 0 {
		_, err := a.p.ec2.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId: aws.String(id), IpPermissions: egress,
		}, a.p.in(s.Scope)...)
		if err != nil {
			return nil, classify(err, resource.KindFirewall, "authorize egress", id)
		}
	}
	return a.p.completed(h), nil
}

func (a *securityGroups) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindFirewall, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

// permissions splits rules by direction. An empty or "all" protocol opens
// every protocol and port.
func permissions(rules []resource.FirewallRule) (ingress, egress []types.IpPermission) {
	for _, r := range rules {
		perm := types.IpPermission{IpProtocol: aws.String(strings.ToLower(r.Protocol))}
		if r.Protocol == "" || strings.EqualFold(r.Protocol, "all") {
			perm.IpProtocol = aws.String("-1")
		} else {
			perm.FromPort = aws.Int32(int32(r.FromPort))
			perm.ToPort = aws.Int32(int32(r.ToPort))
		}
		cidr := r.CIDR
		if cidr == "" {
			cidr = "0.0.0.0/0"
		}
		perm.IpRanges = []types.IpRange{{CidrIp: aws.String(cidr)}}
		if r.Direction == resource.Outbound {
			egress = append(egress, perm)
		} else {
			ingress = append(ingress, perm)
		}
	}
	return ingress, egress
}
