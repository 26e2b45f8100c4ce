package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

const (
	defaultInstanceType = "t3.micro"
	// maxDataDisks is the number of /dev/sd[f-p] device names.
	maxDataDisks = 11
)

// describeFunc is one Describe* call of a kind. size zero leaves
// MaxResults unset.
type describeFunc func(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error)

// ec2Kind holds what every tagged EC2 kind shares: lookup by ID or Name
// tag, windowed paging and labels stored as tags.
type ec2Kind struct {
	p          *Provider
	kind       resource.Kind
	idFilter   string
	nameFilter string
	// live filters exclude resources that linger after deletion.
	live     []types.Filter
	max      int
	describe describeFunc
}

func (k *ec2Kind) Kind() resource.Kind { return k.kind }
func (k *ec2Kind) MaxPageSize() int    { return k.max }

func (k *ec2Kind) ListPage(ctx context.Context, q provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	return window(ctx, token, limit, k.max, func(ctx context.Context, tok string, size int32) ([]resource.Resource, string, error) {
		return k.describe(ctx, q, nil, tok, size)
	})
}

// collect follows NextToken until the listing is exhausted.
func (k *ec2Kind) collect(ctx context.Context, q provider.ListQuery, filters []types.Filter) ([]resource.Resource, error) {
	var out []resource.Resource
	token := ""
	for {
		items, next, err := k.describe(ctx, q, filters, token, int32(k.max))
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if next == "" {
			return out, nil
		}
		token = next
	}
}

func (k *ec2Kind) FindByLabel(ctx context.Context, q provider.ListQuery, label string) ([]resource.Resource, error) {
	return k.collect(ctx, q, []types.Filter{tagFilter(labelTag, label)})
}

// Get looks the handle up by ID when it has the kind's ID prefix and by
// name otherwise. EC2 does not enforce unique names; the first match wins.
func (k *ec2Kind) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	filters := []types.Filter{filter(k.nameFilter, h.ProviderID)}
	if isID(k.kind, h.ProviderID) {
		filters = []types.Filter{filter(k.idFilter, h.ProviderID)}
	} else {
		filters = append(filters, k.live...)
	}
	found, err := k.collect(ctx, provider.ListQuery{Scope: h.Scope}, filters)
	if err != nil {
		return resource.Resource{}, err
	}
	switch len(found) {
	case 0:
		return resource.Resource{}, fmt.Errorf("get %s %s: %w", k.kind, h.ProviderID, resource.ErrNotFound)
	case 1:
	default:
		k.p.logger.Warn().Str("kind", string(k.kind)).Str("name", h.ProviderID).Int("matches", len(found)).
			Msg("name matches several resources, using the first")
	}
	return found[0], nil
}

func (k *ec2Kind) SetLabel(ctx context.Context, h resource.Handle, label string) error {
	ids := []string{h.ProviderID}
	tag := types.Tag{Key: aws.String(labelTag)}
	var err error
	if label == "" {
		_, err = k.p.ec2.DeleteTags(ctx, &ec2.DeleteTagsInput{Resources: ids, Tags: []types.Tag{tag}}, k.p.in(h.Scope)...)
	} else {
		tag.Value = aws.String(label)
		_, err = k.p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{Resources: ids, Tags: []types.Tag{tag}}, k.p.in(h.Scope)...)
	}
	return classify(err, k.kind, "label", h.ProviderID)
}

// checkName rejects a name already carried by a live resource of the kind.
func (k *ec2Kind) checkName(ctx context.Context, scope resource.Scope, name string) error {
	filters := append([]types.Filter{filter(k.nameFilter, name)}, k.live...)
	found, err := k.collect(ctx, provider.ListQuery{Scope: scope}, filters)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		return &resource.DuplicateResourceError{Kind: k.kind, Name: name}
	}
	return nil
}

// parentFilters restricts a listing to the children of q.Parent.
func parentFilters(q provider.ListQuery, filters []types.Filter) []types.Filter {
	if q.Parent == nil {
		return filters
	}
	switch q.Parent.Kind {
	case resource.KindNetwork:
		return append(filters, filter("vpc-id", q.Parent.ProviderID))
	case resource.KindSubnet:
		return append(filters, filter("subnet-id", q.Parent.ProviderID))
	}
	return filters
}

func maxResults(size int32) *int32 {
	if size <= 0 {
		return nil
	}
	return aws.Int32(size)
}

// ═══════════════════════════════════════════════════════════════════════════
// Instances
// ═══════════════════════════════════════════════════════════════════════════

type instances struct{ ec2Kind }

func newInstances(p *Provider) *instances {
	a := &instances{ec2Kind{
		p: p, kind: resource.KindInstance, idFilter: "instance-id", nameFilter: "tag:" + nameTag,
		live: []types.Filter{filter("instance-state-name", "pending", "running", "stopping", "stopped")},
		max:  maxPageSize,
	}}
	a.describe = a.list
	return a
}

func (a *instances) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	out, err := a.p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters:    parentFilters(q, filters),
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindInstance, "list", "")
	}
	scope := a.p.regional(q.Scope)
	var items []resource.Resource
	for _, inst := range flattenInstances(out) {
		items = append(items, a.p.instanceResource(inst, scope))
	}
	return items, aws.ToString(out.NextToken), nil
}

func (a *instances) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.InstanceSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if err := a.checkName(ctx, s.Scope, s.Name); err != nil {
		return nil, err
	}
	in, data, err := a.p.buildInstance(ctx, s)
	if err != nil {
		return nil, err
	}
	out, err := a.p.ec2.RunInstances(ctx, in, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindInstance, "create", s.Name)
	}
	if len(out.Instances) == 0 {
		return nil, &resource.ProviderError{Provider: Name, Kind: resource.KindInstance, Op: "create", ID: s.Name,
			Cause: errors.New("no instance in RunInstances response")}
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	for _, d := range data {
		a.p.deferAttach(id, d)
	}
	return a.p.started(opCreate, resource.Handle{Kind: resource.KindInstance, ProviderID: id, Scope: a.p.regional(s.Scope)}), nil
}

func (a *instances) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	_, err := a.p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{h.ProviderID}}, a.p.in(h.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindInstance, "delete", h.ProviderID)
	}
	return a.p.started(opDelete, h), nil
}

// buildInstance maps an InstanceSpec onto RunInstances. Existing volumes cannot
// be attached at launch; they are returned for attachment once the
// instance runs.
func (p *Provider) buildInstance(ctx context.Context, s *resource.InstanceSpec) (*ec2.RunInstancesInput, []attachment, error) {
	vmType := s.VMType
	if vmType == "" {
		vmType = defaultInstanceType
	}
	in := &ec2.RunInstancesInput{
		InstanceType:      types.InstanceType(vmType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		TagSpecifications: tagSpec(types.ResourceTypeInstance, &s.SpecMeta),
	}

	disks := s.Disks
	if len(disks) == 0 && s.Image != "" {
		disks = []resource.AttachedDisk{{Boot: true, Image: s.Image, AutoDelete: true}}
	}
	var data []attachment
	for _, d := range disks {
		switch {
		case d.Boot && d.Volume != nil:
			return nil, nil, &resource.ValidationError{Kind: resource.KindInstance, Field: "disks", Value: d.Volume.ProviderID,
				Reason: "EC2 cannot boot from an existing volume"}
		case d.Boot:
			root, err := p.rootDevice(ctx, d.Image, s.Scope)
			if err != nil {
				return nil, nil, err
			}
			ebs := &types.EbsBlockDevice{DeleteOnTermination: aws.Bool(d.AutoDelete)}
			if d.SizeGB > 0 {
				ebs.VolumeSize = aws.Int32(int32(d.SizeGB))
			}
			in.ImageId = aws.String(d.Image)
			in.BlockDeviceMappings = append(in.BlockDeviceMappings, types.BlockDeviceMapping{DeviceName: aws.String(root), Ebs: ebs})
		case d.Volume != nil:
			if len(data) == maxDataDisks {
				return nil, nil, &resource.ValidationError{Kind: resource.KindInstance, Field: "disks", Value: s.Name,
					Reason: "at most " + strconv.Itoa(maxDataDisks) + " data volumes"}
			}
			data = append(data, attachment{volume: d.Volume.ProviderID, device: "/dev/sd" + string(rune('f'+len(data)))})
		default:
			return nil, nil, &resource.ValidationError{Kind: resource.KindInstance, Field: "disks", Value: d.Image,
				Reason: "EC2 data disks cannot be created from an image"}
		}
	}
	if in.ImageId == nil {
		return nil, nil, &resource.ValidationError{Kind: resource.KindInstance, Field: "image", Value: s.Name,
			Reason: "no boot image"}
	}

	if s.KeyPair != "" {
		in.KeyName = aws.String(s.KeyPair)
	}
	if s.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(s.UserData)))
	}
	if s.Subnet != nil {
		in.SubnetId = aws.String(s.Subnet.ProviderID)
	} else if zone := zoneOf(s.Scope); zone != "" {
		in.Placement = &types.Placement{AvailabilityZone: aws.String(zone)}
	}
	if len(s.Firewalls) > 0 {
		ids, err := p.securityGroupIDs(ctx, s.Firewalls, s.Scope)
		if err != nil {
			return nil, nil, err
		}
		in.SecurityGroupIds = ids
	}
	return in, data, nil
}

func (p *Provider) rootDevice(ctx context.Context, image string, scope resource.Scope) (string, error) {
	out, err := p.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{image}}, p.in(scope)...)
	if err != nil {
		return "", classify(err, resource.KindInstance, "describe image", image)
	}
	if len(out.Images) == 0 || out.Images[0].RootDeviceName == nil {
		return "", fmt.Errorf("image %s: %w", image, resource.ErrNotFound)
	}
	return aws.ToString(out.Images[0].RootDeviceName), nil
}

// securityGroupIDs resolves firewall names to group IDs. IDs pass through.
func (p *Provider) securityGroupIDs(ctx context.Context, refs []string, scope resource.Scope) ([]string, error) {
	var ids, names []string
	for _, r := range refs {
		if isID(resource.KindFirewall, r) {
			ids = append(ids, r)
		} else {
			names = append(names, r)
		}
	}
	if len(names) == 0 {
		return ids, nil
	}
	out, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{filter("group-name", names...)},
	}, p.in(scope)...)
	if err != nil {
		return nil, classify(err, resource.KindFirewall, "resolve", "")
	}
	byName := make(map[string]string, len(out.SecurityGroups))
	for _, sg := range out.SecurityGroups {
		byName[aws.ToString(sg.GroupName)] = aws.ToString(sg.GroupId)
	}
	for _, n := range names {
		id, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("firewall %s: %w", n, resource.ErrNotFound)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func flattenInstances(out *ec2.DescribeInstancesOutput) []types.Instance {
	if out == nil {
		return nil
	}
	var all []types.Instance
	for _, r := range out.Reservations {
		all = append(all, r.Instances...)
	}
	return all
}

func (p *Provider) instanceResource(inst types.Instance, scope resource.Scope) resource.Resource {
	r := p.base(resource.KindInstance, aws.ToString(inst.InstanceId), scope, inst.Tags)
	if inst.State != nil {
		r.Status = string(inst.State.Name)
	}
	if inst.Placement != nil {
		r.Attrs[resource.AttrZone] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	r.Attrs[resource.AttrVMType] = string(inst.InstanceType)
	r.Attrs[resource.AttrImage] = aws.ToString(inst.ImageId)
	r.Attrs[resource.AttrNetwork] = aws.ToString(inst.VpcId)
	r.Attrs[resource.AttrSubnet] = aws.ToString(inst.SubnetId)
	r.Attrs[resource.AttrPrivateIP] = aws.ToString(inst.PrivateIpAddress)
	r.Attrs[resource.AttrPublicIP] = aws.ToString(inst.PublicIpAddress)
	if inst.LaunchTime != nil {
		r.CreatedAt = *inst.LaunchTime
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════
// Volumes
// ═══════════════════════════════════════════════════════════════════════════

const maxVolumePage = 500

type volumes struct{ ec2Kind }

func newVolumes(p *Provider) *volumes {
	a := &volumes{ec2Kind{p: p, kind: resource.KindVolume, idFilter: "volume-id", nameFilter: "tag:" + nameTag, max: maxVolumePage}}
	a.describe = a.list
	return a
}

func (a *volumes) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	out, err := a.p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters:    filters,
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindVolume, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		items = append(items, a.p.volumeResource(v, scope))
	}
	return items, aws.ToString(out.NextToken), nil
}

func (a *volumes) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.VolumeSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if s.SizeGB <= 0 && s.Snapshot == nil {
		return nil, &resource.ValidationError{Kind: resource.KindVolume, Field: "size_gb", Value: s.Name,
			Reason: "size is required unless restoring a snapshot"}
	}
	if err := a.checkName(ctx, s.Scope, s.Name); err != nil {
		return nil, err
	}
	zone := zoneOf(s.Scope)
	if zone == "" {
		zone = a.p.regionOf(s.Scope) + "a"
	}
	in := &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(zone),
		TagSpecifications: tagSpec(types.ResourceTypeVolume, &s.SpecMeta),
	}
	if s.SizeGB > 0 {
		in.Size = aws.Int32(int32(s.SizeGB))
	}
	if s.Snapshot != nil {
		in.SnapshotId = aws.String(s.Snapshot.ProviderID)
	}
	if s.VolumeType != "" {
		in.VolumeType = types.VolumeType(s.VolumeType)
	}
	out, err := a.p.ec2.CreateVolume(ctx, in, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindVolume, "create", s.Name)
	}
	return a.p.started(opCreate, resource.Handle{Kind: resource.KindVolume, ProviderID: aws.ToString(out.VolumeId), Scope: a.p.regional(s.Scope)}), nil
}

func (a *volumes) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindVolume, "delete", h.ProviderID)
	}
	return a.p.started(opDelete, h), nil
}

func (p *Provider) volumeResource(v types.Volume, scope resource.Scope) resource.Resource {
	r := p.base(resource.KindVolume, aws.ToString(v.VolumeId), scope, v.Tags)
	r.Status = string(v.State)
	r.Attrs[resource.AttrZone] = aws.ToString(v.AvailabilityZone)
	r.Attrs[resource.AttrSizeGB] = strconv.Itoa(int(aws.ToInt32(v.Size)))
	r.Attrs[resource.AttrSnapshot] = aws.ToString(v.SnapshotId)
	r.Attrs["volume_type"] = string(v.VolumeType)
	if len(v.Attachments) > 0 {
		r.Attrs["attached_to"] = aws.ToString(v.Attachments[0].InstanceId)
	}
	if v.CreateTime != nil {
		r.CreatedAt = *v.CreateTime
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════
// Snapshots
// ═══════════════════════════════════════════════════════════════════════════

type snapshots struct{ ec2Kind }

func newSnapshots(p *Provider) *snapshots {
	a := &snapshots{ec2Kind{p: p, kind: resource.KindSnapshot, idFilter: "snapshot-id", nameFilter: "tag:" + nameTag, max: maxPageSize}}
	a.describe = a.list
	return a
}

// list covers snapshots owned by the account; public snapshots are not
// listed.
func (a *snapshots) list(ctx context.Context, q provider.ListQuery, filters []types.Filter, token string, size int32) ([]resource.Resource, string, error) {
	out, err := a.p.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		OwnerIds:   []string{"self"},
		Filters:    filters,
		MaxResults: maxResults(size),
		NextToken:  optToken(token),
	}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, "", classify(err, resource.KindSnapshot, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		items = append(items, a.p.snapshotResource(s, scope))
	}
	return items, aws.ToString(out.NextToken), nil
}

func (a *snapshots) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.SnapshotSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if err := a.checkName(ctx, s.Scope, s.Name); err != nil {
		return nil, err
	}
	in := &ec2.CreateSnapshotInput{
		VolumeId:          aws.String(s.Volume.ProviderID),
		TagSpecifications: tagSpec(types.ResourceTypeSnapshot, &s.SpecMeta),
	}
	if s.Description != "" {
		in.Description = aws.String(s.Description)
	}
	out, err := a.p.ec2.CreateSnapshot(ctx, in, a.p.in(s.Volume.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindSnapshot, "create", s.Name)
	}
	return a.p.started(opCreate, resource.Handle{Kind: resource.KindSnapshot, ProviderID: aws.ToString(out.SnapshotId), Scope: a.p.regional(s.Volume.Scope)}), nil
}

// Delete is synchronous: the snapshot is gone when DeleteSnapshot returns.
func (a *snapshots) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindSnapshot, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

func (p *Provider) snapshotResource(s types.Snapshot, scope resource.Scope) resource.Resource {
	r := p.base(resource.KindSnapshot, aws.ToString(s.SnapshotId), scope, s.Tags)
	r.Status = string(s.State)
	r.Attrs[resource.AttrVolume] = aws.ToString(s.VolumeId)
	r.Attrs[resource.AttrSizeGB] = strconv.Itoa(int(aws.ToInt32(s.VolumeSize)))
	r.Attrs[resource.AttrDescription] = aws.ToString(s.Description)
	if s.StartTime != nil {
		r.CreatedAt = *s.StartTime
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════
// Key pairs
// ═══════════════════════════════════════════════════════════════════════════

// keyPairs are addressed by name. Every call is synchronous.
type keyPairs struct{ p *Provider }

func (a *keyPairs) Kind() resource.Kind { return resource.KindKeyPair }

func (a *keyPairs) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	out, err := a.p.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames:         []string{h.ProviderID},
		IncludePublicKey: aws.Bool(true),
	}, a.p.in(h.Scope)...)
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindKeyPair, "get", h.ProviderID)
	}
	if len(out.KeyPairs) == 0 {
		return resource.Resource{}, fmt.Errorf("get keypair %s: %w", h.ProviderID, resource.ErrNotFound)
	}
	return a.p.keyPairResource(out.KeyPairs[0], a.p.regional(h.Scope)), nil
}

func (a *keyPairs) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.KeyPairSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.PublicKey)); err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindKeyPair, Field: "public_key", Value: s.Name, Reason: err.Error()}
	}
	_, err := a.p.ec2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(s.Name),
		PublicKeyMaterial: []byte(s.PublicKey),
		TagSpecifications: tagSpec(types.ResourceTypeKeyPair, &s.SpecMeta),
	}, a.p.in(s.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindKeyPair, "create", s.Name)
	}
	return a.p.completed(resource.Handle{Kind: resource.KindKeyPair, ProviderID: s.Name, Scope: a.p.regional(s.Scope)}), nil
}

// Delete checks existence first: DeleteKeyPair succeeds on missing keys.
func (a *keyPairs) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.Get(ctx, h); err != nil {
		return nil, err
	}
	if _, err := a.p.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(h.ProviderID)}, a.p.in(h.Scope)...); err != nil {
		return nil, classify(err, resource.KindKeyPair, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

// ListAll returns key pairs sorted by name. DescribeKeyPairs does not page.
func (a *keyPairs) ListAll(ctx context.Context, q provider.ListQuery) ([]resource.Resource, error) {
	out, err := a.p.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{IncludePublicKey: aws.Bool(true)}, a.p.in(q.Scope)...)
	if err != nil {
		return nil, classify(err, resource.KindKeyPair, "list", "")
	}
	scope := a.p.regional(q.Scope)
	items := make([]resource.Resource, 0, len(out.KeyPairs))
	for _, kp := range out.KeyPairs {
		items = append(items, a.p.keyPairResource(kp, scope))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (p *Provider) keyPairResource(kp types.KeyPairInfo, scope resource.Scope) resource.Resource {
	name := aws.ToString(kp.KeyName)
	h := resource.Handle{Kind: resource.KindKeyPair, ProviderID: name, Scope: scope}
	r := resource.Resource{
		Handle:   h,
		Provider: Name,
		Name:     name,
		Status:   "available",
		Link:     p.arnOf(h),
		Attrs: map[string]string{
			resource.AttrFingerprint: aws.ToString(kp.KeyFingerprint),
			resource.AttrPublicKey:   aws.ToString(kp.PublicKey),
		},
	}
	if kp.CreateTime != nil {
		r.CreatedAt = *kp.CreateTime
	}
	return r
}
