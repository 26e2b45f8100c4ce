// Package label keeps human-assigned labels for resources whose provider has
// no native label field.
package label

import (
	"context"
	"encoding/base32"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/internal/throttle"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Store is a provider key-value metadata store, e.g. GCE project metadata.
// Writes are last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Items returns all entries whose key starts with prefix.
	Items(ctx context.Context, prefix string) (map[string]string, error)
}

const (
	keySuffix     = "_label"
	encodedPrefix = "b32-"
)

var (
	plainID = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	b32     = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// component renders a provider ID as a metadata-key-safe string. IDs outside
// [A-Za-z0-9-], and IDs that already look encoded, are base32 encoded.
func component(id string) string {
	if plainID.MatchString(id) && !strings.HasPrefix(id, encodedPrefix) {
		return id
	}
	return encodedPrefix + b32.EncodeToString([]byte(id))
}

func decodeComponent(c string) (string, error) {
	if !strings.HasPrefix(c, encodedPrefix) {
		return c, nil
	}
	raw, err := b32.DecodeString(strings.TrimPrefix(c, encodedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode label key component %q: %w", c, err)
	}
	return string(raw), nil
}

// Key returns the metadata key holding the label of h.
func Key(h resource.Handle) string {
	return kindPrefix(h.Kind) + component(h.ProviderID) + keySuffix
}

func kindPrefix(k resource.Kind) string { return string(k) + "_" }

// ParseKey extracts the provider ID from a label key of the given kind.
func ParseKey(kind resource.Kind, key string) (string, bool) {
	prefix := kindPrefix(kind)
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, keySuffix) {
		return "", false
	}
	c := strings.TrimSuffix(strings.TrimPrefix(key, prefix), keySuffix)
	if c == "" {
		return "", false
	}
	id, err := decodeComponent(c)
	if err != nil {
		return "", false
	}
	return id, true
}

// Registry maps resource handles to labels through a Store.
type Registry struct {
	store    Store
	throttle *throttle.Policy
	logger   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithThrottle applies the metadata throttle to writes.
func WithThrottle(p *throttle.Policy) Option {
	return func(r *Registry) { r.throttle = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, logger: log.Logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the label of h and whether one is set.
func (r *Registry) Get(ctx context.Context, h resource.Handle) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, Key(h))
	if err != nil {
		return "", false, fmt.Errorf("get label %s: %w", h, err)
	}
	return v, ok, nil
}

// Set assigns a label. An empty label clears it.
func (r *Registry) Set(ctx context.Context, h resource.Handle, label string) error {
	if label == "" {
		_, err := r.Clear(ctx, h)
		return err
	}
	if err := r.throttle.Wait(ctx, throttle.Metadata); err != nil {
		return err
	}
	if err := r.store.Set(ctx, Key(h), label); err != nil {
		return fmt.Errorf("set label %s: %w", h, err)
	}
	r.logger.Debug().Str("kind", string(h.Kind)).Str("id", h.ProviderID).Str("label", label).Msg("label set")
	return nil
}

// Clear removes the label of h. It reports false, without error, when no
// label was set.
func (r *Registry) Clear(ctx context.Context, h resource.Handle) (bool, error) {
	if err := r.throttle.Wait(ctx, throttle.Metadata); err != nil {
		return false, err
	}
	existed, err := r.store.Delete(ctx, Key(h))
	if err != nil {
		return false, fmt.Errorf("clear label %s: %w", h, err)
	}
	return existed, nil
}

// Labels returns every label of a kind keyed by provider ID, in one store
// read.
func (r *Registry) Labels(ctx context.Context, kind resource.Kind) (map[string]string, error) {
	items, err := r.store.Items(ctx, kindPrefix(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s labels: %w", kind, err)
	}
	out := make(map[string]string, len(items))
	for key, v := range items {
		if id, ok := ParseKey(kind, key); ok {
			out[id] = v
		}
	}
	return out, nil
}

// Find returns the provider IDs of kind carrying label, sorted.
func (r *Registry) Find(ctx context.Context, kind resource.Kind, label string) ([]string, error) {
	labels, err := r.Labels(ctx, kind)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, l := range labels {
		if l == label {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
