package service

import (
	"context"
	"fmt"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Volumes manages block storage volumes.
type Volumes struct {
	*Service
	snapshots *Service
}

// Create creates a volume. When snapshot is a valid ref the volume is
// restored from it and the size may be left zero.
func (v *Volumes) Create(ctx context.Context, spec resource.VolumeSpec, snapshot resource.Ref) (*resource.Resource, error) {
	if snapshot.Valid() {
		snap, err := v.snapshots.Get(ctx, snapshot)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, fmt.Errorf("source snapshot %s: %w", snapshot, resource.ErrNotFound)
		}
		spec.Snapshot = &snap.Handle
	}
	return v.Service.Create(ctx, &spec)
}

// Snapshots manages volume snapshots.
type Snapshots struct {
	*Service
	volumes *Service
}

// Create snapshots the volume ref points at.
func (s *Snapshots) Create(ctx context.Context, label string, volume resource.Ref, description string) (*resource.Resource, error) {
	vol, err := s.volumes.Get(ctx, volume)
	if err != nil {
		return nil, err
	}
	if vol == nil {
		return nil, fmt.Errorf("source volume %s: %w", volume, resource.ErrNotFound)
	}
	spec := &resource.SnapshotSpec{
		SpecMeta: resource.SpecMeta{Label: label, Description: description},
		Volume:   vol.Handle,
	}
	return s.Service.Create(ctx, spec)
}

// Buckets manages object storage buckets. Buckets are addressed by name;
// Find matches names by substring.
type Buckets struct {
	*Service
}

// Create creates a bucket. An empty location means the provider default.
func (b *Buckets) Create(ctx context.Context, name, location string) (*resource.Resource, error) {
	if name == "" {
		return nil, &resource.ValidationError{Kind: resource.KindBucket, Field: "name", Reason: "required"}
	}
	return b.Service.Create(ctx, &resource.BucketSpec{
		SpecMeta: resource.SpecMeta{Name: name},
		Location: location,
	})
}
