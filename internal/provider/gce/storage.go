package gce

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	storage "google.golang.org/api/storage/v1"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// ═══════════════════════════════════════════════════════════════════════════
// Buckets
// ═══════════════════════════════════════════════════════════════════════════

type buckets struct{ p *Provider }

func (a *buckets) Kind() resource.Kind { return resource.KindBucket }
func (a *buckets) MaxPageSize() int    { return maxPageSize }

func (a *buckets) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	b, err := a.p.storage.Buckets.Get(h.ProviderID).Context(ctx).Do()
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindBucket, "get", h.ProviderID)
	}
	return bucketResource(b), nil
}

// Create inserts the bucket. GCS creation is synchronous.
func (a *buckets) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.BucketSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	location := s.Location
	if location == "" {
		location = a.p.region
	}
	b, err := a.p.storage.Buckets.Insert(a.p.project, &storage.Bucket{Name: s.Name, Location: location}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, resource.KindBucket, "create", s.Name)
	}
	return operation.Completed(resource.Handle{Kind: resource.KindBucket, ProviderID: b.Name}, b.SelfLink), nil
}

func (a *buckets) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if err := a.p.storage.Buckets.Delete(h.ProviderID).Context(ctx).Do(); err != nil {
		return nil, classify(err, resource.KindBucket, "delete", h.ProviderID)
	}
	return operation.Completed(h, a.p.selfLink(h)), nil
}

func (a *buckets) ListPage(ctx context.Context, _ provider.ListQuery, token string, limit int) ([]resource.Resource, string, error) {
	resp, err := a.p.storage.Buckets.List(a.p.project).MaxResults(int64(limit)).PageToken(token).Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, resource.KindBucket, "list", "")
	}
	items := make([]resource.Resource, 0, len(resp.Items))
	for _, b := range resp.Items {
		items = append(items, bucketResource(b))
	}
	return items, resp.NextPageToken, nil
}

func bucketResource(b *storage.Bucket) resource.Resource {
	r := resource.Resource{
		Handle:   resource.Handle{Kind: resource.KindBucket, ProviderID: b.Name},
		Provider: Name,
		Name:     b.Name,
		Status:   "available",
		Link:     b.SelfLink,
		Attrs:    map[string]string{resource.AttrLocation: strings.ToLower(b.Location)},
	}
	if t, err := time.Parse(time.RFC3339, b.TimeCreated); err == nil {
		r.CreatedAt = t
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════
// Key pairs
// ═══════════════════════════════════════════════════════════════════════════

// keyPairPrefix namespaces key pairs in project metadata.
const keyPairPrefix = "cumulus-kp-"

// Metadata keys allow letters, digits, dashes and underscores.
var keyPairName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// keyInfo is the JSON value stored per key pair.
type keyInfo struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

// keyPairs stores public keys as JSON project metadata items. Every call
// is synchronous.
type keyPairs struct{ p *Provider }

func (a *keyPairs) Kind() resource.Kind { return resource.KindKeyPair }

func (a *keyPairs) ValidateName(name string) error {
	if !keyPairName.MatchString(name) {
		return &resource.ValidationError{Kind: resource.KindKeyPair, Field: "name", Value: name,
			Reason: "must be 1-100 letters, digits, dashes or underscores"}
	}
	return nil
}

func (p *Provider) keyPair(ctx context.Context, name string) (keyInfo, error) {
	raw, ok, err := p.meta.Get(ctx, keyPairPrefix+name)
	if err != nil {
		return keyInfo{}, err
	}
	if !ok {
		return keyInfo{}, fmt.Errorf("key pair %s: %w", name, resource.ErrNotFound)
	}
	var info keyInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return keyInfo{}, fmt.Errorf("decode key pair %s: %w", name, err)
	}
	return info, nil
}

func (a *keyPairs) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	info, err := a.p.keyPair(ctx, h.ProviderID)
	if err != nil {
		return resource.Resource{}, err
	}
	return keyPairResource(info), nil
}

func (a *keyPairs) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.KeyPairSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.PublicKey))
	if err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindKeyPair, Field: "public_key", Value: s.Name, Reason: err.Error()}
	}
	key := keyPairPrefix + s.Name
	if _, exists, err := a.p.meta.Get(ctx, key); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("create keypair %s: %w", s.Name, resource.ErrConflict)
	}

	value, err := json.Marshal(keyInfo{
		Name:        s.Name,
		PublicKey:   strings.TrimSpace(s.PublicKey),
		Fingerprint: ssh.FingerprintSHA256(pub),
	})
	if err != nil {
		return nil, fmt.Errorf("encode key pair %s: %w", s.Name, err)
	}
	if err := a.p.meta.Set(ctx, key, string(value)); err != nil {
		return nil, err
	}
	return operation.Completed(resource.Handle{Kind: resource.KindKeyPair, ProviderID: s.Name}, ""), nil
}

func (a *keyPairs) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	existed, err := a.p.meta.Delete(ctx, keyPairPrefix+h.ProviderID)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, fmt.Errorf("delete keypair %s: %w", h.ProviderID, resource.ErrNotFound)
	}
	return operation.Completed(h, ""), nil
}

// ListAll returns key pairs sorted by name.
func (a *keyPairs) ListAll(ctx context.Context, _ provider.ListQuery) ([]resource.Resource, error) {
	items, err := a.p.meta.Items(ctx, keyPairPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Resource, 0, len(items))
	for key, raw := range items {
		var info keyInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			a.p.logger.Warn().Err(err).Str("key", key).Msg("skipping undecodable key pair")
			continue
		}
		out = append(out, keyPairResource(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func keyPairResource(info keyInfo) resource.Resource {
	return resource.Resource{
		Handle:   resource.Handle{Kind: resource.KindKeyPair, ProviderID: info.Name},
		Provider: Name,
		Name:     info.Name,
		Status:   "available",
		Attrs: map[string]string{
			resource.AttrPublicKey:   info.PublicKey,
			resource.AttrFingerprint: info.Fingerprint,
		},
	}
}
