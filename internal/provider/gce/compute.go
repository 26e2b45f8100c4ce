package gce

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

const (
	defaultMachineType = "e2-small"
	defaultNetwork     = "global/networks/default"
)

func (p *Provider) newAdapters() map[resource.Kind]provider.Adapter {
	return map[resource.Kind]provider.Adapter{
		resource.KindInstance: &instances{p},
		resource.KindVolume:   &disks{p},
		resource.KindSnapshot: &snapshots{p},
		resource.KindNetwork:  &networks{p},
		resource.KindSubnet:   &subnetworks{p},
		resource.KindRouter:   &routers{p},
		resource.KindFirewall: &firewalls{p},
		resource.KindKeyPair:  &keyPairs{p},
		resource.KindBucket:   &buckets{p},
	}
}

// base fills the fields every compute resource shares.
func (p *Provider) base(kind resource.Kind, name string, scope resource.Scope, selfLink, created string) resource.Resource {
	r := resource.Resource{
		Handle:   resource.Handle{Kind: kind, ProviderID: name, Scope: scope},
		Provider: Name,
		Name:     name,
		Link:     selfLink,
		Attrs:    make(map[string]string),
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		r.CreatedAt = t
	}
	return r
}

func withLabel(labels map[string]string, label string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	if label == "" {
		delete(out, labelKey)
	} else {
		out[labelKey] = label
	}
	return out
}

func labelFilter(label string) string {
	return fmt.Sprintf("labels.%s = %q", labelKey, label)
}

func specLabels(m *resource.SpecMeta) map[string]string {
	if m.Label == "" {
		return nil
	}
	return map[string]string{labelKey: m.Label}
}

// ═══════════════════════════════════════════════════════════════════════════
// Instances
// ═══════════════════════════════════════════════════════════════════════════

type instances struct{ p *Provider }

func (a *instances) Kind() resource.Kind { return resource.KindInstance }
func (a *instances) MaxPageSize() int    { return maxPageSize }

func (a *instances) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	zone := a.p.zoneOf(h.Scope)
	inst, err := a.p.compute.Instances.Get(a.p.project, zone, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindInstance, "get", h.ProviderID)
	}
	return a.p.instanceResource(inst), nil
}

func (a *instances) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.InstanceSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	zone := a.p.zoneOf(s.Scope)
	inst, err := a.p.buildInstance(ctx, s, zone)
	if err != nil {
		return nil, err
	}
	op, err := a.p.compute.Instances.Insert(a.p.project, zone, inst).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindInstance, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindInstance, ProviderID: s.Name, Scope: resource.Zone(zone)}), nil
}

func (p *Provider) buildInstance(ctx context.Context, s *resource.InstanceSpec, zone string) (*compute.Instance, error) {
	vmType := s.VMType
	if vmType == "" {
		vmType = defaultMachineType
	}
	inst := &compute.Instance{
		Name:        s.Name,
		Description: s.Description,
		MachineType: "zones/" + zone + "/machineTypes/" + vmType,
		Labels:      specLabels(&s.SpecMeta),
	}

	disks := s.Disks
	if len(disks) == 0 && s.Image != "" {
		disks = []resource.AttachedDisk{{Boot: true, Image: s.Image, AutoDelete: true}}
	}
	for _, d := range disks {
		ad := &compute.AttachedDisk{Boot: d.Boot, AutoDelete: d.AutoDelete, ForceSendFields: []string{"AutoDelete"}}
		if d.Volume != nil {
			vol := *d.Volume
			if vol.Scope.IsZero() {
				vol.Scope = resource.Zone(zone)
			}
			ad.Source = p.relativeLink(vol)
		} else {
			ad.InitializeParams = &compute.AttachedDiskInitializeParams{
				SourceImage: d.Image,
				DiskSizeGb:  int64(d.SizeGB),
			}
		}
		inst.Disks = append(inst.Disks, ad)
	}

	nic := &compute.NetworkInterface{
		Network:       defaultNetwork,
		AccessConfigs: []*compute.AccessConfig{{Type: "ONE_TO_ONE_NAT", Name: "External NAT"}},
	}
	if s.Subnet != nil {
		sub, err := p.compute.Subnetworks.Get(p.project, p.regionOf(s.Subnet.Scope), s.Subnet.ProviderID).Context(ctx).Do()
		if err != nil {
			return nil, classify(err, resource.KindSubnet, "get", s.Subnet.ProviderID)
		}
		nic.Network, nic.Subnetwork = sub.Network, sub.SelfLink
	}
	inst.NetworkInterfaces = []*compute.NetworkInterface{nic}

	if len(s.Firewalls) > 0 {
		inst.Tags = &compute.Tags{Items: s.Firewalls}
	}

	var meta []*compute.MetadataItems
	if s.KeyPair != "" {
		kp, err := p.keyPair(ctx, s.KeyPair)
		if err != nil {
			return nil, err
		}
		entry := "cumulus:" + kp.PublicKey
		meta = append(meta, &compute.MetadataItems{Key: "ssh-keys", Value: &entry})
	}
	if s.UserData != "" {
		script := s.UserData
		meta = append(meta, &compute.MetadataItems{Key: "startup-script", Value: &script})
	}
	if len(meta) > 0 {
		inst.Metadata = &compute.Metadata{Items: meta}
	}
	return inst, nil
}

func (p *Provider) instanceResource(inst *compute.Instance) resource.Resource {
	zone := lastSegment(inst.Zone)
	r := p.base(resource.KindInstance, inst.Name, resource.Zone(zone), inst.SelfLink, inst.CreationTimestamp)
	r.Status = strings.ToLower(inst.Status)
	r.Label = inst.Labels[labelKey]
	r.Attrs[resource.AttrZone] = zone
	r.Attrs[resource.AttrVMType] = lastSegment(inst.MachineType)
	if inst.Description != "" {
		r.Attrs[resource.AttrDescription] = inst.Description
	}
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		r.Attrs[resource.AttrNetwork] = lastSegment(nic.Network)
		if nic.Subnetwork != "" {
			r.Attrs[resource.AttrSubnet] = lastSegment(nic.Subnetwork)
		}
		r.Attrs[resource.AttrPrivateIP] = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 && nic.AccessConfigs[0].NatIP != "" {
			r.Attrs[resource.AttrPublicIP] = nic.AccessConfigs[0].NatIP
		}
	}
	return r
}

func (a *instances) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	zone := a.p.zoneOf(h.Scope)
	op, err := a.p.compute.Instances.Delete(a.p.project, zone, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindInstance, "delete", h.ProviderID)
	}
	h.Scope = resource.Zone(zone)
	return started(op, h), nil
}

func (a *instances) ListPage(ctx context.Context, q provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	resp, err := a.p.compute.Instances.List(a.p.project, a.p.zoneOf(q.Scope)).
		MaxResults(int64(limit)).PageToken(token).Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, resource.KindInstance, "list", "")
	}
	items := make([]resource.Resource, 0, len(resp.Items))
	for _, inst := range resp.Items {
		items = append(items, a.p.instanceResource(inst))
	}
	return items, resp.NextPageToken, nil
}

func (a *instances) FindByLabel(ctx context.Context, q provider.ListQuery, label string) ([]resource.Resource, error) {
	var out []resource.Resource
	err := a.p.compute.Instances.List(a.p.project, a.p.zoneOf(q.Scope)).Filter(labelFilter(label)).
		Pages(ctx, func(page *compute.InstanceList) error {
			for _, inst := range page.Items {
				out = append(out, a.p.instanceResource(inst))
			}
			return nil
		})
	if err != nil {
		return nil, classify(err, resource.KindInstance, "find", label)
	}
	return out, nil
}

func (a *instances) SetLabel(ctx context.Context, h resource.Handle, label string) error {
	zone := a.p.zoneOf(h.Scope)
	inst, err := a.p.compute.Instances.Get(a.p.project, zone, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return classify(err, resource.KindInstance, "get", h.ProviderID)
	}
	op, err := a.p.compute.Instances.SetLabels(a.p.project, zone, h.ProviderID, &compute.InstancesSetLabelsRequest{
		Labels:           withLabel(inst.Labels, label),
		LabelFingerprint: inst.LabelFingerprint,
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, resource.KindInstance, "label", h.ProviderID)
	}
	return a.p.awaitCompute(ctx, op, resource.Handle{Kind: resource.KindInstance, ProviderID: h.ProviderID, Scope: resource.Zone(zone)})
}

// ═══════════════════════════════════════════════════════════════════════════
// Disks
// ═══════════════════════════════════════════════════════════════════════════

type disks struct{ p *Provider }

func (a *disks) Kind() resource.Kind { return resource.KindVolume }
func (a *disks) MaxPageSize() int    { return maxPageSize }

func (a *disks) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	d, err := a.p.compute.Disks.Get(a.p.project, a.p.zoneOf(h.Scope), h.ProviderID).Context(ctx).Do()
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindVolume, "get", h.ProviderID)
	}
	return a.p.diskResource(d), nil
}

func (a *disks) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.VolumeSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	zone := a.p.zoneOf(s.Scope)
	d := &compute.Disk{
		Name:        s.Name,
		Description: s.Description,
		SizeGb:      int64(s.SizeGB),
		Labels:      specLabels(&s.SpecMeta),
	}
	if s.Snapshot != nil {
		d.SourceSnapshot = a.p.relativeLink(*s.Snapshot)
	}
	if s.VolumeType != "" {
		d.Type = "zones/" + zone + "/diskTypes/" + s.VolumeType
	}
	op, err := a.p.compute.Disks.Insert(a.p.project, zone, d).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindVolume, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindVolume, ProviderID: s.Name, Scope: resource.Zone(zone)}), nil
}

func (p *Provider) diskResource(d *compute.Disk) resource.Resource {
	zone := lastSegment(d.Zone)
	r := p.base(resource.KindVolume, d.Name, resource.Zone(zone), d.SelfLink, d.CreationTimestamp)
	r.Status = strings.ToLower(d.Status)
	r.Label = d.Labels[labelKey]
	r.Attrs[resource.AttrZone] = zone
	r.Attrs[resource.AttrSizeGB] = strconv.FormatInt(d.SizeGb, 10)
	if d.SourceSnapshot != "" {
		r.Attrs[resource.AttrSnapshot] = lastSegment(d.SourceSnapshot)
	}
	if d.Description != "" {
		r.Attrs[resource.AttrDescription] = d.Description
	}
	if len(d.Users) > 0 {
		r.Attrs["attached_to"] = lastSegment(d.Users[0])
	}
	return r
}

func (a *disks) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	zone := a.p.zoneOf(h.Scope)
	op, err := a.p.compute.Disks.Delete(a.p.project, zone, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindVolume, "delete", h.ProviderID)
	}
	h.Scope = resource.Zone(zone)
	return started(op, h), nil
}

func (a *disks) ListPage(ctx context.Context, q provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	resp, err := a.p.compute.Disks.List(a.p.project, a.p.zoneOf(q.Scope)).
		MaxResults(int64(limit)).PageToken(token).Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, resource.KindVolume, "list", "")
	}
	items := make([]resource.Resource, 0, len(resp.Items))
	for _, d := range resp.Items {
		items = append(items, a.p.diskResource(d))
	}
	return items, resp.NextPageToken, nil
}

func (a *disks) FindByLabel(ctx context.Context, q provider.ListQuery, label string) ([]resource.Resource, error) {
	var out []resource.Resource
	err := a.p.compute.Disks.List(a.p.project, a.p.zoneOf(q.Scope)).Filter(labelFilter(label)).
		Pages(ctx, func(page *compute.DiskList) error {
			for _, d := range page.Items {
				out = append(out, a.p.diskResource(d))
			}
			return nil
		})
	if err != nil {
		return nil, classify(err, resource.KindVolume, "find", label)
	}
	return out, nil
}

func (a *disks) SetLabel(ctx context.Context, h resource.Handle, label string) error {
	zone := a.p.zoneOf(h.Scope)
	d, err := a.p.compute.Disks.Get(a.p.project, zone, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return classify(err, resource.KindVolume, "get", h.ProviderID)
	}
	op, err := a.p.compute.Disks.SetLabels(a.p.project, zone, h.ProviderID, &compute.ZoneSetLabelsRequest{
		Labels:           withLabel(d.Labels, label),
		LabelFingerprint: d.LabelFingerprint,
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, resource.KindVolume, "label", h.ProviderID)
	}
	return a.p.awaitCompute(ctx, op, resource.Handle{Kind: resource.KindVolume, ProviderID: h.ProviderID, Scope: resource.Zone(zone)})
}

// ═══════════════════════════════════════════════════════════════════════════
// Snapshots
// ═══════════════════════════════════════════════════════════════════════════

type snapshots struct{ p *Provider }

func (a *snapshots) Kind() resource.Kind { return resource.KindSnapshot }
func (a *snapshots) MaxPageSize() int    { return maxPageSize }

func (a *snapshots) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	s, err := a.p.compute.Snapshots.Get(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindSnapshot, "get", h.ProviderID)
	}
	return a.p.snapshotResource(s), nil
}

func (a *snapshots) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.SnapshotSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	snap := &compute.Snapshot{
		Name:        s.Name,
		Description: s.Description,
		SourceDisk:  a.p.relativeLink(s.Volume),
		Labels:      specLabels(&s.SpecMeta),
	}
	op, err := a.p.compute.Snapshots.Insert(a.p.project, snap).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindSnapshot, "create", s.Name)
	}
	return started(op, resource.Handle{Kind: resource.KindSnapshot, ProviderID: s.Name}), nil
}

func (p *Provider) snapshotResource(s *compute.Snapshot) resource.Resource {
	r := p.base(resource.KindSnapshot, s.Name, resource.Global, s.SelfLink, s.CreationTimestamp)
	r.Status = strings.ToLower(s.Status)
	r.Label = s.Labels[labelKey]
	r.Attrs[resource.AttrSizeGB] = strconv.FormatInt(s.DiskSizeGb, 10)
	if s.SourceDisk != "" {
		r.Attrs[resource.AttrVolume] = lastSegment(s.SourceDisk)
	}
	if s.Description != "" {
		r.Attrs[resource.AttrDescription] = s.Description
	}
	return r
}

func (a *snapshots) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	op, err := a.p.compute.Snapshots.Delete(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindSnapshot, "delete", h.ProviderID)
	}
	h.Scope = resource.Global
	return started(op, h), nil
}

func (a *snapshots) ListPage(ctx context.Context, _ provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	resp, err := a.p.compute.Snapshots.List(a.p.project).
		MaxResults(int64(limit)).PageToken(token).Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, resource.KindSnapshot, "list", "")
	}
	items := make([]resource.Resource, 0, len(resp.Items))
	for _, s := range resp.Items {
		items = append(items, a.p.snapshotResource(s))
	}
	return items, resp.NextPageToken, nil
}

func (a *snapshots) FindByLabel(ctx context.Context, _ provider.ListQuery, label string) ([]resource.Resource, error) {
	var out []resource.Resource
	err := a.p.compute.Snapshots.List(a.p.project).Filter(labelFilter(label)).
		Pages(ctx, func(page *compute.SnapshotList) error {
			for _, s := range page.Items {
				out = append(out, a.p.snapshotResource(s))
			}
			return nil
		})
	if err != nil {
		return nil, classify(err, resource.KindSnapshot, "find", label)
	}
	return out, nil
}

func (a *snapshots) SetLabel(ctx context.Context, h resource.Handle, label string) error {
	s, err := a.p.compute.Snapshots.Get(a.p.project, h.ProviderID).Context(ctx).Do()
	if err != nil {
		return classify(err, resource.KindSnapshot, "get", h.ProviderID)
	}
	op, err := a.p.compute.Snapshots.SetLabels(a.p.project, h.ProviderID, &compute.GlobalSetLabelsRequest{
		Labels:           withLabel(s.Labels, label),
		LabelFingerprint: s.LabelFingerprint,
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, resource.KindSnapshot, "label", h.ProviderID)
	}
	return a.p.awaitCompute(ctx, op, resource.Handle{Kind: resource.KindSnapshot, ProviderID: h.ProviderID})
}
