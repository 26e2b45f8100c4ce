// Package resource defines the unified resource model for cumulus.
package resource

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a resource kind. String forms never contain '_'.
type Kind string

// Supported resource kinds.
const (
	KindInstance Kind = "instance"
	KindVolume   Kind = "volume"
	KindSnapshot Kind = "snapshot"
	KindNetwork  Kind = "network"
	KindSubnet   Kind = "subnet"
	KindRouter   Kind = "router"
	KindFirewall Kind = "firewall"
	KindKeyPair  Kind = "keypair"
	KindBucket   Kind = "bucket"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindInstance, KindVolume, KindSnapshot,
	KindNetwork, KindSubnet, KindRouter,
	KindFirewall, KindKeyPair, KindBucket,
}

// ParseKind accepts the canonical name and a few plural/alias forms.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "instance", "instances", "vm", "server":
		return KindInstance, nil
	case "volume", "volumes", "disk":
		return KindVolume, nil
	case "snapshot", "snapshots":
		return KindSnapshot, nil
	case "network", "networks", "vpc":
		return KindNetwork, nil
	case "subnet", "subnets", "subnetwork":
		return KindSubnet, nil
	case "router", "routers", "route-table":
		return KindRouter, nil
	case "firewall", "firewalls", "security-group":
		return KindFirewall, nil
	case "keypair", "keypairs", "key-pair", "ssh-key":
		return KindKeyPair, nil
	case "bucket", "buckets":
		return KindBucket, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// Labeled reports whether resources of this kind carry a mutable label.
// Key pairs and buckets are addressed by name only.
func (k Kind) Labeled() bool {
	return k != KindKeyPair && k != KindBucket
}

// ScopeType is the placement granularity of a resource.
type ScopeType int

// Scope types. The zero value is ScopeNone (global).
const (
	ScopeNone ScopeType = iota
	ScopeZone
	ScopeRegion
)

func (t ScopeType) String() string {
	switch t {
	case ScopeZone:
		return "zone"
	case ScopeRegion:
		return "region"
	default:
		return "global"
	}
}

// Scope places a resource in a zone, a region, or nowhere in particular.
type Scope struct {
	Type ScopeType `json:"type"`
	Name string    `json:"name,omitempty"`
}

// Global is the empty scope.
var Global = Scope{}

// Zone returns a zonal scope.
func Zone(name string) Scope { return Scope{Type: ScopeZone, Name: name} }

// Region returns a regional scope.
func Region(name string) Scope { return Scope{Type: ScopeRegion, Name: name} }

// IsZero reports whether no scope was given.
func (s Scope) IsZero() bool { return s.Type == ScopeNone && s.Name == "" }

func (s Scope) String() string {
	if s.Type == ScopeNone {
		return "global"
	}
	return s.Type.String() + "/" + s.Name
}

// Handle uniquely identifies a provider resource within its kind and scope.
type Handle struct {
	Kind       Kind   `json:"kind"`
	ProviderID string `json:"provider_id"`
	Scope      Scope  `json:"scope"`
}

func (h Handle) String() string {
	return string(h.Kind) + "/" + h.Scope.String() + "/" + h.ProviderID
}

// IsZero reports whether the handle is empty.
func (h Handle) IsZero() bool { return h.ProviderID == "" }

// Ref addresses a resource at the façade boundary: either a raw identifier
// (name, label or link) or an already resolved handle.
type Ref struct {
	id     string
	handle *Handle
}

// ByID refers to a resource by name, label, provider ID or link.
func ByID(id string) Ref { return Ref{id: id} }

// ByHandle refers to a resolved handle.
func ByHandle(h Handle) Ref { return Ref{handle: &h} }

// Handle returns the handle if the ref was built with ByHandle.
func (r Ref) Handle() (Handle, bool) {
	if r.handle == nil {
		return Handle{}, false
	}
	return *r.handle, true
}

// ID returns the raw identifier if the ref was built with ByID.
func (r Ref) ID() string { return r.id }

// Valid reports whether the ref addresses anything.
func (r Ref) Valid() bool {
	if r.handle != nil {
		return r.handle.ProviderID != ""
	}
	return r.id != ""
}

func (r Ref) String() string {
	if r.handle != nil {
		return r.handle.String()
	}
	return r.id
}

// Resource is a cloud resource in unified format.
type Resource struct {
	Handle    Handle            `json:"handle"`
	Provider  string            `json:"provider"`
	Name      string            `json:"name"`
	Label     string            `json:"label,omitempty"`
	Status    string            `json:"status,omitempty"`
	Link      string            `json:"link,omitempty"` // provider self-link or ARN
	Attrs     map[string]string `json:"attrs,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// ID is shorthand for the provider ID.
func (r Resource) ID() string { return r.Handle.ProviderID }

// Kind is shorthand for the handle kind.
func (r Resource) Kind() Kind { return r.Handle.Kind }

// Attr returns an attribute or "".
func (r Resource) Attr(key string) string {
	if r.Attrs == nil {
		return ""
	}
	return r.Attrs[key]
}

// Well-known attribute keys.
const (
	AttrCIDRBlock   = "cidr_block"
	AttrSizeGB      = "size_gb"
	AttrZone        = "zone"
	AttrRegion      = "region"
	AttrNetwork     = "network"
	AttrSubnet      = "subnet"
	AttrSnapshot    = "source_snapshot"
	AttrVolume      = "source_volume"
	AttrVMType      = "vm_type"
	AttrImage       = "image"
	AttrPublicKey   = "public_key"
	AttrFingerprint = "fingerprint"
	AttrLocation    = "location"
	AttrDescription = "description"
	AttrPublicIP    = "public_ip"
	AttrPrivateIP   = "private_ip"
)
