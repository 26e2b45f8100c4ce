package gce

import (
	"strings"

	"github.com/yairfalse/cumulus/pkg/resource"
)

const (
	computeBase = "https://www.googleapis.com/compute/v1/"
	storageBase = "https://www.googleapis.com/storage/v1/b/"
)

// collection is the compute API collection of a kind and its scope type.
type collection struct {
	name  string
	scope resource.ScopeType
}

var collections = map[resource.Kind]collection{
	resource.KindInstance: {"instances", resource.ScopeZone},
	resource.KindVolume:   {"disks", resource.ScopeZone},
	resource.KindSnapshot: {"snapshots", resource.ScopeNone},
	resource.KindNetwork:  {"networks", resource.ScopeNone},
	resource.KindSubnet:   {"subnetworks", resource.ScopeRegion},
	resource.KindRouter:   {"routers", resource.ScopeRegion},
	resource.KindFirewall: {"firewalls", resource.ScopeNone},
}

// computePrefixes are stripped from absolute links.
var computePrefixes = []string{
	computeBase,
	"https://compute.googleapis.com/compute/v1/",
	"http://www.googleapis.com/compute/v1/",
}

// ParseLink recognizes compute self-links in their absolute, project
// relative and scope relative forms, and GCS bucket links.
func (p *Provider) ParseLink(kind resource.Kind, raw string) (resource.Handle, bool) {
	if kind == resource.KindBucket {
		return parseBucketLink(raw)
	}
	coll, ok := collections[kind]
	if !ok {
		return resource.Handle{}, false
	}

	path := raw
	for _, prefix := range computePrefixes {
		if rest, ok := strings.CutPrefix(raw, prefix); ok {
			path = rest
			break
		}
	}
	if strings.Contains(path, "://") {
		return resource.Handle{}, false
	}
	if rest, ok := strings.CutPrefix(path, "projects/"); ok {
		_, after, found := strings.Cut(rest, "/")
		if !found {
			return resource.Handle{}, false
		}
		path = after
	}

	parts := strings.Split(path, "/")
	var (
		scope resource.Scope
		tail  []string
	)
	switch {
	case len(parts) == 4 && parts[0] == "zones":
		scope, tail = resource.Zone(parts[1]), parts[2:]
	case len(parts) == 4 && parts[0] == "regions":
		scope, tail = resource.Region(parts[1]), parts[2:]
	case len(parts) == 3 && parts[0] == "global":
		tail = parts[1:]
	default:
		return resource.Handle{}, false
	}
	if scope.Type != coll.scope || tail[0] != coll.name || tail[1] == "" || scope.Type != resource.ScopeNone && scope.Name == "" {
		return resource.Handle{}, false
	}
	return resource.Handle{Kind: kind, ProviderID: tail[1], Scope: scope}, true
}

func parseBucketLink(raw string) (resource.Handle, bool) {
	name, ok := strings.CutPrefix(raw, "gs://")
	if !ok {
		name, ok = strings.CutPrefix(raw, storageBase)
	}
	if !ok {
		name, ok = strings.CutPrefix(raw, "https://storage.googleapis.com/storage/v1/b/")
	}
	name = strings.TrimSuffix(name, "/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return resource.Handle{}, false
	}
	return resource.Handle{Kind: resource.KindBucket, ProviderID: name}, true
}

// selfLink renders the absolute link of a compute handle.
func (p *Provider) selfLink(h resource.Handle) string {
	if h.Kind == resource.KindBucket {
		return storageBase + h.ProviderID
	}
	return computeBase + p.relativeLink(h)
}

// relativeLink renders projects/P/<scope>/<collection>/<id>, which the
// compute API accepts wherever it takes a resource URL.
func (p *Provider) relativeLink(h resource.Handle) string {
	coll := collections[h.Kind]
	var scope string
	switch coll.scope {
	case resource.ScopeZone:
		scope = "zones/" + p.zoneOf(h.Scope)
	case resource.ScopeRegion:
		scope = "regions/" + p.regionOf(h.Scope)
	default:
		scope = "global"
	}
	return "projects/" + p.project + "/" + scope + "/" + coll.name + "/" + h.ProviderID
}

// lastSegment returns the final path element of a URL, e.g. the zone name
// of a zone URL.
func lastSegment(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}
