package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dominikbraun/graph"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Instances manages compute instances.
type Instances struct {
	*Service
	volumes   *Volumes
	snapshots *Snapshots
}

type stepKind int

const (
	stepImage stepKind = iota
	stepSnapshot
	stepVolume
	stepInstance
)

// step is one vertex of the creation plan.
type step struct {
	id     string
	kind   stepKind
	index  int
	device resource.BlockDevice
	boot   bool
	// source is the snapshot step a volume is restored from.
	source *step
	// handle is set once the step has run, for snapshots and volumes.
	handle *resource.Handle
}

const instanceStep = "instance"

// Create creates an instance and whatever its launch config needs first:
// volumes restored from snapshots, blank volumes, and attachments of
// existing volumes. Steps run in dependency order. The first root device
// is the boot disk; without one, the image is. Volumes created before a
// failure are left in place.
func (i *Instances) Create(ctx context.Context, spec resource.InstanceSpec) (_ *resource.Resource, err error) {
	ctx, end := i.start(ctx, "create_compound")
	defer func() { end(err) }()

	if i.adapter == nil {
		return nil, i.adapterErr
	}
	if err := i.prepare(&spec.SpecMeta); err != nil {
		return nil, err
	}
	if spec.Scope.Type != resource.ScopeZone || spec.Scope.Name == "" {
		spec.Scope = resource.Zone(i.provider.Defaults().Zone)
	}

	g, steps, err := i.plan(&spec)
	if err != nil {
		return nil, err
	}
	order, err := topoOrder(g)
	if err != nil {
		return nil, fmt.Errorf("order launch steps: %w", err)
	}

	var created []string
	for _, id := range order {
		st, err := g.Vertex(id)
		if err != nil {
			return nil, fmt.Errorf("launch step %s: %w", id, err)
		}
		switch st.kind {
		case stepSnapshot:
			snap, err := mustGet(ctx, i.snapshots.Service, resource.ByID(st.device.Ref))
			if err != nil {
				return nil, fmt.Errorf("block device %d: %w", st.index, err)
			}
			st.handle = &snap.Handle
		case stepVolume:
			h, fresh, err := i.volumeFor(ctx, &spec, st)
			if err != nil {
				i.leftBehind(created, err)
				return nil, fmt.Errorf("block device %d: %w", st.index, err)
			}
			st.handle = h
			if fresh {
				created = append(created, h.ProviderID)
			}
		case stepInstance:
			spec.Disks = attachedDisks(steps)
			res, err := i.create(ctx, &spec)
			if err != nil {
				i.leftBehind(created, err)
				return nil, err
			}
			return res, nil
		}
	}
	return nil, fmt.Errorf("launch plan for %s has no instance step", spec.Name)
}

// plan builds the dependency graph of the launch.
func (i *Instances) plan(spec *resource.InstanceSpec) (graph.Graph[string, *step], []*step, error) {
	var devices []resource.BlockDevice
	if spec.LaunchConfig != nil {
		devices = spec.LaunchConfig.BlockDevices
	}

	root := -1
	for idx, d := range devices {
		if !d.Root {
			continue
		}
		if root < 0 {
			root = idx
			continue
		}
		i.logger.Warn().Str("instance", spec.Name).Int("device", idx).
			Msg("more than one root device, attaching as data disk")
	}
	switch {
	case root >= 0 && spec.Image != "":
		i.logger.Warn().Str("instance", spec.Name).Str("image", spec.Image).
			Msg("image and root device both given, booting from the launch config")
	case root < 0 && spec.Image == "":
		return nil, nil, &resource.ValidationError{
			Kind: resource.KindInstance, Field: "image", Value: spec.Name,
			Reason: "no boot source: set an image or a root block device",
		}
	}

	g := graph.New(func(s *step) string { return s.id }, graph.Directed(), graph.Acyclic(), graph.PreventCycles())
	var steps []*step
	add := func(s *step) error {
		if err := g.AddVertex(s); err != nil {
			return fmt.Errorf("plan step %s: %w", s.id, err)
		}
		return nil
	}
	link := func(from, to string) error {
		if err := g.AddEdge(from, to); err != nil {
			return fmt.Errorf("plan %s -> %s: %w", from, to, err)
		}
		return nil
	}

	if err := add(&step{id: instanceStep, kind: stepInstance}); err != nil {
		return nil, nil, err
	}
	if root < 0 {
		boot := &step{id: "image-boot", kind: stepImage, boot: true,
			device: resource.BlockDevice{Source: resource.SourceImage, Ref: spec.Image, Root: true}}
		steps = append(steps, boot)
		if err := add(boot); err != nil {
			return nil, nil, err
		}
		if err := link(boot.id, instanceStep); err != nil {
			return nil, nil, err
		}
	}

	for idx, d := range devices {
		suffix := strconv.Itoa(idx)
		var disk *step
		switch d.Source {
		case resource.SourceImage:
			disk = &step{id: "image-" + suffix, kind: stepImage}
		case resource.SourceSnapshot:
			snap := &step{id: "snapshot-" + suffix, kind: stepSnapshot, index: idx, device: d}
			if err := add(snap); err != nil {
				return nil, nil, err
			}
			disk = &step{id: "volume-" + suffix, kind: stepVolume, source: snap}
		default:
			disk = &step{id: "volume-" + suffix, kind: stepVolume}
		}
		disk.index, disk.device, disk.boot = idx, d, idx == root
		steps = append(steps, disk)
		if err := add(disk); err != nil {
			return nil, nil, err
		}
		if disk.source != nil {
			if err := link(disk.source.id, disk.id); err != nil {
				return nil, nil, err
			}
		}
		if err := link(disk.id, instanceStep); err != nil {
			return nil, nil, err
		}
	}
	return g, steps, nil
}

// topoOrder sorts the plan, breaking ties by step ID.
func topoOrder(g graph.Graph[string, *step]) ([]string, error) {
	return graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
}

// volumeFor resolves or creates the volume of a step. fresh is true when
// the volume was created here.
func (i *Instances) volumeFor(ctx context.Context, spec *resource.InstanceSpec, st *step) (_ *resource.Handle, fresh bool, _ error) {
	if st.device.Source == resource.SourceVolume {
		vol, err := mustGet(ctx, i.volumes.Service, resource.ByID(st.device.Ref))
		if err != nil {
			return nil, false, err
		}
		return &vol.Handle, false, nil
	}

	vs := resource.VolumeSpec{
		SpecMeta: resource.SpecMeta{
			Name:  fmt.Sprintf("%s-disk-%d", spec.Name, st.index),
			Scope: spec.Scope,
		},
		SizeGB: st.device.SizeGB,
	}
	if st.source != nil {
		vs.Snapshot = st.source.handle
	}
	vol, err := i.volumes.Service.Create(ctx, &vs)
	if err != nil {
		return nil, false, err
	}
	return &vol.Handle, true, nil
}

func (i *Instances) leftBehind(created []string, err error) {
	if len(created) == 0 {
		return
	}
	i.logger.Warn().Err(err).Strs("volumes", created).Msg("instance launch failed, created volumes left in place")
}

// attachedDisks turns executed steps into the adapter's disk list, boot
// disk first. Disks created for the launch are deleted with the instance
// unless the device says otherwise; existing volumes are kept.
func attachedDisks(steps []*step) []resource.AttachedDisk {
	var boot *resource.AttachedDisk
	var data []resource.AttachedDisk
	for _, st := range steps {
		d := resource.AttachedDisk{
			Boot:       st.boot,
			SizeGB:     st.device.SizeGB,
			AutoDelete: st.device.Source != resource.SourceVolume,
		}
		if st.device.DeleteOnTerminate != nil {
			d.AutoDelete = *st.device.DeleteOnTerminate
		}
		if st.kind == stepImage {
			d.Image = st.device.Ref
		} else {
			d.Volume = st.handle
		}
		if st.boot {
			boot = &d
			continue
		}
		data = append(data, d)
	}
	if boot == nil {
		return data
	}
	return append([]resource.AttachedDisk{*boot}, data...)
}
