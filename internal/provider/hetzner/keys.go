package hetzner

import (
	"context"
	"sort"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"golang.org/x/crypto/ssh"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// sshKeys are key pairs, addressed by name.
type sshKeys struct{ p *Provider }

func (a *sshKeys) Kind() resource.Kind { return resource.KindKeyPair }

// sshKey looks a key up by name, then by ID.
func (p *Provider) sshKey(ctx context.Context, op, ref string) (*hcloud.SSHKey, error) {
	k, _, err := p.client.SSHKey.GetByName(ctx, ref)
	if err != nil {
		return nil, classify(err, resource.KindKeyPair, op, ref)
	}
	if k == nil {
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
			k, _, err = p.client.SSHKey.GetByID(ctx, id)
			if err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
				return nil, classify(err, resource.KindKeyPair, op, ref)
			}
		}
	}
	if k == nil {
		return nil, notFound(op, resource.KindKeyPair, ref)
	}
	return k, nil
}

func (a *sshKeys) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	k, err := a.p.sshKey(ctx, "get", h.ProviderID)
	if err != nil {
		return resource.Resource{}, err
	}
	return sshKeyResource(k), nil
}

// Create registers the public key. Keys are checked locally first so a bad
// key fails before any API call.
func (a *sshKeys) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.KeyPairSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.PublicKey)); err != nil {
		return nil, &resource.ValidationError{Kind: resource.KindKeyPair, Field: "public key", Value: s.Name, Reason: err.Error()}
	}
	k, _, err := a.p.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{Name: s.Name, PublicKey: s.PublicKey})
	if err != nil {
		return nil, classify(err, resource.KindKeyPair, "create", s.Name)
	}
	h := resource.Handle{Kind: resource.KindKeyPair, ProviderID: k.Name}
	return operation.Completed(h, linkOf(h)), nil
}

func (a *sshKeys) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	k, err := a.p.sshKey(ctx, "delete", h.ProviderID)
	if err != nil {
		return nil, err
	}
	if _, err := a.p.client.SSHKey.Delete(ctx, k); err != nil {
		return nil, classify(err, resource.KindKeyPair, "delete", h.ProviderID)
	}
	return operation.Completed(h, linkOf(h)), nil
}

// ListAll returns every key sorted by name.
func (a *sshKeys) ListAll(ctx context.Context, _ provider.ListQuery) ([]resource.Resource, error) {
	keys, err := a.p.client.SSHKey.All(ctx)
	if err != nil {
		return nil, classify(err, resource.KindKeyPair, "list", "")
	}
	items := make([]resource.Resource, 0, len(keys))
	for _, k := range keys {
		items = append(items, sshKeyResource(k))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func sshKeyResource(k *hcloud.SSHKey) resource.Resource {
	h := resource.Handle{Kind: resource.KindKeyPair, ProviderID: k.Name}
	return resource.Resource{
		Handle:    h,
		Provider:  Name,
		Name:      k.Name,
		Status:    "available",
		Link:      linkOf(h),
		CreatedAt: k.Created,
		Attrs: map[string]string{
			resource.AttrPublicKey:   k.PublicKey,
			resource.AttrFingerprint: k.Fingerprint,
			"id":                     strconv.FormatInt(k.ID, 10),
		},
	}
}
