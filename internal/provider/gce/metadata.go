package gce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	compute "google.golang.org/api/compute/v1"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// metadataKind names project metadata in errors.
const metadataKind resource.Kind = "metadata"

// maxMetadataTries bounds fingerprint-mismatch retries of one write.
const maxMetadataTries = 5

// metadataStore implements label.Store on the project's common instance
// metadata. Writes read the current fingerprint and retry when another
// writer got in first, which makes concurrent writes last-writer-wins.
type metadataStore struct {
	p *Provider
}

func (m *metadataStore) read(ctx context.Context) (*compute.Metadata, error) {
	proj, err := m.p.compute.Projects.Get(m.p.project).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, metadataKind, "get", m.p.project)
	}
	if proj.CommonInstanceMetadata == nil {
		return &compute.Metadata{}, nil
	}
	return proj.CommonInstanceMetadata, nil
}

func (m *metadataStore) Get(ctx context.Context, key string) (string, bool, error) {
	md, err := m.read(ctx)
	if err != nil {
		return "", false, err
	}
	for _, item := range md.Items {
		if item.Key == key && item.Value != nil {
			return *item.Value, true, nil
		}
	}
	return "", false, nil
}

func (m *metadataStore) Items(ctx context.Context, prefix string) (map[string]string, error) {
	md, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, item := range md.Items {
		if strings.HasPrefix(item.Key, prefix) && item.Value != nil {
			out[item.Key] = *item.Value
		}
	}
	return out, nil
}

func (m *metadataStore) Set(ctx context.Context, key, value string) error {
	_, err := m.mutate(ctx, key, func(items []*compute.MetadataItems) ([]*compute.MetadataItems, bool) {
		for _, item := range items {
			if item.Key == key {
				item.Value = &value
				return items, true
			}
		}
		return append(items, &compute.MetadataItems{Key: key, Value: &value}), true
	})
	return err
}

func (m *metadataStore) Delete(ctx context.Context, key string) (bool, error) {
	return m.mutate(ctx, key, func(items []*compute.MetadataItems) ([]*compute.MetadataItems, bool) {
		for i, item := range items {
			if item.Key == key {
				return append(items[:i:i], items[i+1:]...), true
			}
		}
		return items, false
	})
}

// mutate applies edit to a fresh copy of the metadata and writes it back
// under the read fingerprint. It reports whether edit changed anything.
func (m *metadataStore) mutate(ctx context.Context, key string, edit func([]*compute.MetadataItems) ([]*compute.MetadataItems, bool)) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (bool, error) {
		md, err := m.read(ctx)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		items, changed := edit(md.Items)
		if !changed {
			return false, nil
		}
		md.Items = items

		op, err := m.p.compute.Projects.SetCommonInstanceMetadata(m.p.project, md).Context(ctx).Do()
		if isPreconditionFailed(err) {
			m.p.logger.Debug().Str("key", key).Msg("metadata fingerprint changed, retrying")
			return false, err
		}
		if err != nil {
			return false, backoff.Permanent(classify(err, metadataKind, "set", key))
		}
		if err := m.p.awaitCompute(ctx, op, resource.Handle{Kind: metadataKind, ProviderID: key}); err != nil {
			return false, backoff.Permanent(fmt.Errorf("write metadata %s: %w", key, err))
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxMetadataTries))
}
