package hetzner

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Links look like hcloud://servers/42 and, for subnets,
// hcloud://networks/7/subnets/10.0.1.0/24.
const scheme = "hcloud://"

var collections = map[resource.Kind]string{
	resource.KindInstance: "servers",
	resource.KindVolume:   "volumes",
	resource.KindNetwork:  "networks",
	resource.KindFirewall: "firewalls",
	resource.KindKeyPair:  "ssh_keys",
}

func (p *Provider) ParseLink(kind resource.Kind, raw string) (resource.Handle, bool) {
	rest, ok := strings.CutPrefix(raw, scheme)
	if !ok {
		return resource.Handle{}, false
	}
	if kind == resource.KindSubnet {
		rest, ok = strings.CutPrefix(rest, "networks/")
		if !ok {
			return resource.Handle{}, false
		}
		network, cidr, ok := strings.Cut(rest, "/subnets/")
		if !ok {
			return resource.Handle{}, false
		}
		id, err := strconv.ParseInt(network, 10, 64)
		if err != nil {
			return resource.Handle{}, false
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return resource.Handle{}, false
		}
		return resource.Handle{Kind: kind, ProviderID: subnetID(id, ipNet)}, true
	}

	coll, ok := collections[kind]
	if !ok {
		return resource.Handle{}, false
	}
	id, ok := strings.CutPrefix(rest, coll+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return resource.Handle{}, false
	}
	return resource.Handle{Kind: kind, ProviderID: id}, true
}

func linkOf(h resource.Handle) string {
	if h.Kind == resource.KindSubnet {
		network, cidr, err := parseSubnetID(h.ProviderID)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%snetworks/%d/subnets/%s", scheme, network, cidr)
	}
	coll, ok := collections[h.Kind]
	if !ok {
		return ""
	}
	return scheme + coll + "/" + h.ProviderID
}

// Subnets have no ID of their own: "<network id>:<cidr>".
func subnetID(network int64, cidr *net.IPNet) string {
	return fmt.Sprintf("%d:%s", network, cidr)
}

func parseSubnetID(id string) (int64, *net.IPNet, error) {
	network, cidr, ok := strings.Cut(id, ":")
	if !ok {
		return 0, nil, fmt.Errorf("subnet id %q: want <network>:<cidr>", id)
	}
	n, err := strconv.ParseInt(network, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("subnet id %q: %w", id, err)
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, nil, fmt.Errorf("subnet id %q: %w", id, err)
	}
	return n, ipNet, nil
}

// subnetLabel is the network label key holding a subnet's label. Label
// keys cannot hold '/'.
func subnetLabel(cidr *net.IPNet) string {
	return subnetLabelPrefix + strings.ReplaceAll(cidr.String(), "/", "-")
}
