package hetzner

import (
	"context"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// ═══════════════════════════════════════════════════════════════════════════
// Servers
// ═══════════════════════════════════════════════════════════════════════════

type servers struct {
	*collection[hcloud.Server]
}

func (p *Provider) newServers() *servers {
	c := &p.client.Server
	return &servers{&collection[hcloud.Server]{
		p:      p,
		kind:   resource.KindInstance,
		byID:   c.GetByID,
		byName: c.GetByName,
		list: func(ctx context.Context, opts hcloud.ListOpts) ([]*hcloud.Server, *hcloud.Response, error) {
			return c.List(ctx, hcloud.ServerListOpts{ListOpts: opts})
		},
		relabel: func(ctx context.Context, s *hcloud.Server, labels map[string]string) error {
			_, _, err := c.Update(ctx, s, hcloud.ServerUpdateOpts{Labels: labels})
			return err
		},
		labels:  func(s *hcloud.Server) map[string]string { return s.Labels },
		convert: serverResource,
	}}
}

// Create waits on the create action and the start that follows it.
func (a *servers) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.InstanceSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	opts, err := a.build(ctx, s)
	if err != nil {
		return nil, err
	}
	res, _, err := a.p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, classify(err, resource.KindInstance, "create", s.Name)
	}
	h := resource.Handle{Kind: resource.KindInstance, ProviderID: strconv.FormatInt(res.Server.ID, 10)}
	return a.p.started(h, append([]*hcloud.Action{res.Action}, res.NextActions...)...), nil
}

// build resolves every reference in s to IDs. Servers boot from images
// only; existing volumes are attached and mounted at create.
func (a *servers) build(ctx context.Context, s *resource.InstanceSpec) (hcloud.ServerCreateOpts, error) {
	vmType := s.VMType
	if vmType == "" {
		vmType = defaultServerType
	}
	opts := hcloud.ServerCreateOpts{
		Name:             s.Name,
		ServerType:       &hcloud.ServerType{Name: vmType},
		Location:         &hcloud.Location{Name: a.p.locationOf(s.Scope)},
		UserData:         s.UserData,
		StartAfterCreate: hcloud.Ptr(true),
		Labels:           labelsFor(&s.SpecMeta),
	}

	vols := a.p.adapters[resource.KindVolume].(*volumes)
	for _, d := range s.Disks {
		switch {
		case d.Boot && d.Volume != nil:
			return opts, &resource.ValidationError{Kind: resource.KindInstance, Field: "boot disk", Value: d.Volume.ProviderID,
				Reason: "servers boot from images only"}
		case d.Boot:
			opts.Image = imageRef(d.Image)
			if d.SizeGB > 0 {
				a.p.logger.Debug().Str("instance", s.Name).Int("size_gb", d.SizeGB).Msg("boot disk size follows the server type")
			}
		case d.Volume != nil:
			v, err := vols.must(ctx, "attach", d.Volume.ProviderID)
			if err != nil {
				return opts, err
			}
			opts.Volumes = append(opts.Volumes, &hcloud.Volume{ID: v.ID})
		default:
			return opts, &resource.ValidationError{Kind: resource.KindInstance, Field: "disk", Value: d.Image,
				Reason: "data disks must be volumes"}
		}
	}
	if opts.Image == nil {
		return opts, &resource.ValidationError{Kind: resource.KindInstance, Field: "image", Value: s.Name,
			Reason: "a boot image is required"}
	}
	if len(opts.Volumes) > 0 {
		opts.Automount = hcloud.Ptr(true)
	}

	if s.KeyPair != "" {
		key, err := a.p.sshKey(ctx, "launch", s.KeyPair)
		if err != nil {
			return opts, err
		}
		opts.SSHKeys = []*hcloud.SSHKey{{ID: key.ID}}
	}
	if s.Subnet != nil {
		network, _, err := parseSubnetID(s.Subnet.ProviderID)
		if err != nil {
			return opts, &resource.ValidationError{Kind: resource.KindInstance, Field: "subnet", Value: s.Subnet.ProviderID, Reason: err.Error()}
		}
		opts.Networks = []*hcloud.Network{{ID: network}}
	}
	fws := a.p.adapters[resource.KindFirewall].(*firewalls)
	for _, name := range s.Firewalls {
		fw, err := fws.must(ctx, "launch", name)
		if err != nil {
			return opts, err
		}
		opts.Firewalls = append(opts.Firewalls, &hcloud.ServerCreateFirewall{Firewall: hcloud.Firewall{ID: fw.ID}})
	}
	return opts, nil
}

func (a *servers) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	s, err := a.must(ctx, "delete", h.ProviderID)
	if err != nil {
		return nil, err
	}
	res, _, err := a.p.client.Server.DeleteWithResult(ctx, s)
	if err != nil {
		return nil, classify(err, resource.KindInstance, "delete", h.ProviderID)
	}
	return a.p.started(h, res.Action), nil
}

// imageRef passes numeric references as IDs and the rest as names.
func imageRef(ref string) *hcloud.Image {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return &hcloud.Image{ID: id}
	}
	return &hcloud.Image{Name: ref}
}

func serverResource(s *hcloud.Server) resource.Resource {
	h := resource.Handle{Kind: resource.KindInstance, ProviderID: strconv.FormatInt(s.ID, 10)}
	r := resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      s.Name,
		Label:     s.Labels[labelKey],
		Status:    string(s.Status),
		Link:      linkOf(h),
		CreatedAt: s.Created,
		Attrs:     make(map[string]string),
	}
	if s.ServerType != nil {
		r.Attrs[resource.AttrVMType] = s.ServerType.Name
	}
	if s.Image != nil {
		r.Attrs[resource.AttrImage] = s.Image.Name
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		setLocation(r.Attrs, s.Datacenter.Location)
	}
	if ip := s.PublicNet.IPv4.IP; ip != nil {
		r.Attrs[resource.AttrPublicIP] = ip.String()
	}
	if len(s.PrivateNet) > 0 {
		r.Attrs[resource.AttrPrivateIP] = s.PrivateNet[0].IP.String()
		if s.PrivateNet[0].Network != nil {
			r.Attrs[resource.AttrNetwork] = strconv.FormatInt(s.PrivateNet[0].Network.ID, 10)
		}
	}
	return r
}

func setLocation(attrs map[string]string, l *hcloud.Location) {
	attrs[resource.AttrZone] = l.Name
	if z := string(l.NetworkZone); z != "" {
		attrs[resource.AttrRegion] = z
	} else if z := networkZones[l.Name]; z != "" {
		attrs[resource.AttrRegion] = z
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Volumes
// ═══════════════════════════════════════════════════════════════════════════

// minVolumeGB is the smallest volume the API creates.
const minVolumeGB = 10

type volumes struct {
	*collection[hcloud.Volume]
}

func (p *Provider) newVolumes() *volumes {
	c := &p.client.Volume
	return &volumes{&collection[hcloud.Volume]{
		p:      p,
		kind:   resource.KindVolume,
		byID:   c.GetByID,
		byName: c.GetByName,
		list: func(ctx context.Context, opts hcloud.ListOpts) ([]*hcloud.Volume, *hcloud.Response, error) {
			return c.List(ctx, hcloud.VolumeListOpts{ListOpts: opts})
		},
		relabel: func(ctx context.Context, v *hcloud.Volume, labels map[string]string) error {
			_, _, err := c.Update(ctx, v, hcloud.VolumeUpdateOpts{Labels: labels})
			return err
		},
		labels:  func(v *hcloud.Volume) map[string]string { return v.Labels },
		convert: volumeResource,
	}}
}

func (a *volumes) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.VolumeSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if s.Snapshot != nil {
		return nil, &resource.ValidationError{Kind: resource.KindVolume, Field: "snapshot", Value: s.Snapshot.ProviderID,
			Reason: "volumes cannot be restored from snapshots"}
	}
	if s.SizeGB < minVolumeGB {
		return nil, &resource.ValidationError{Kind: resource.KindVolume, Field: "size", Value: strconv.Itoa(s.SizeGB),
			Reason: "at least 10 GB required"}
	}
	if s.VolumeType != "" {
		a.p.logger.Debug().Str("volume", s.Name).Str("type", s.VolumeType).Msg("volume types not offered, ignoring")
	}
	res, _, err := a.p.client.Volume.Create(ctx, hcloud.VolumeCreateOpts{
		Name:     s.Name,
		Size:     s.SizeGB,
		Location: &hcloud.Location{Name: a.p.locationOf(s.Scope)},
		Labels:   labelsFor(&s.SpecMeta),
	})
	if err != nil {
		return nil, classify(err, resource.KindVolume, "create", s.Name)
	}
	h := resource.Handle{Kind: resource.KindVolume, ProviderID: strconv.FormatInt(res.Volume.ID, 10)}
	return a.p.started(h, append([]*hcloud.Action{res.Action}, res.NextActions...)...), nil
}

// Delete refuses attached volumes; the API would reject them as locked.
func (a *volumes) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	v, err := a.must(ctx, "delete", h.ProviderID)
	if err != nil {
		return nil, err
	}
	if v.Server != nil {
		return nil, &resource.ValidationError{Kind: resource.KindVolume, Field: "server", Value: strconv.FormatInt(v.Server.ID, 10),
			Reason: "detach the volume before deleting it"}
	}
	if _, err := a.p.client.Volume.Delete(ctx, v); err != nil {
		return nil, classify(err, resource.KindVolume, "delete", h.ProviderID)
	}
	return operation.Completed(h, linkOf(h)), nil
}

func volumeResource(v *hcloud.Volume) resource.Resource {
	h := resource.Handle{Kind: resource.KindVolume, ProviderID: strconv.FormatInt(v.ID, 10)}
	r := resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      v.Name,
		Label:     v.Labels[labelKey],
		Status:    string(v.Status),
		Link:      linkOf(h),
		CreatedAt: v.Created,
		Attrs:     map[string]string{resource.AttrSizeGB: strconv.Itoa(v.Size)},
	}
	if v.Location != nil {
		setLocation(r.Attrs, v.Location)
	}
	if v.Server != nil {
		r.Attrs["attached_to"] = strconv.FormatInt(v.Server.ID, 10)
	}
	return r
}
