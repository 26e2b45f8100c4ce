package aws

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// arnTypes maps kinds to the EC2 ARN resource type.
var arnTypes = map[resource.Kind]string{
	resource.KindInstance: "instance",
	resource.KindVolume:   "volume",
	resource.KindSnapshot: "snapshot",
	resource.KindNetwork:  "vpc",
	resource.KindSubnet:   "subnet",
	resource.KindRouter:   "route-table",
	resource.KindFirewall: "security-group",
	resource.KindKeyPair:  "key-pair",
}

// idPrefixes are the EC2 ID prefixes per kind. An identifier with the
// prefix is looked up by ID, anything else by Name tag.
var idPrefixes = map[resource.Kind]string{
	resource.KindInstance: "i-",
	resource.KindVolume:   "vol-",
	resource.KindSnapshot: "snap-",
	resource.KindNetwork:  "vpc-",
	resource.KindSubnet:   "subnet-",
	resource.KindRouter:   "rtb-",
	resource.KindFirewall: "sg-",
}

func isID(kind resource.Kind, raw string) bool {
	prefix, ok := idPrefixes[kind]
	return ok && strings.HasPrefix(raw, prefix)
}

// ParseLink accepts EC2 ARNs ("arn:aws:ec2:us-east-1:123:volume/vol-1")
// and S3 bucket ARNs ("arn:aws:s3:::bucket"). Snapshot ARNs carry no
// account and are accepted as well.
func (p *Provider) ParseLink(kind resource.Kind, raw string) (resource.Handle, bool) {
	if !arn.IsARN(raw) {
		return resource.Handle{}, false
	}
	a, err := arn.Parse(raw)
	if err != nil {
		return resource.Handle{}, false
	}

	if kind == resource.KindBucket {
		if a.Service != "s3" || a.Resource == "" || strings.Contains(a.Resource, "/") {
			return resource.Handle{}, false
		}
		return resource.Handle{Kind: kind, ProviderID: a.Resource}, true
	}

	typ, ok := arnTypes[kind]
	if !ok || a.Service != "ec2" {
		return resource.Handle{}, false
	}
	rtype, id, ok := strings.Cut(a.Resource, "/")
	if !ok || rtype != typ || id == "" {
		return resource.Handle{}, false
	}
	return resource.Handle{Kind: kind, ProviderID: id, Scope: resource.Region(a.Region)}, true
}

// arnOf builds the ARN of a handle in the account the provider is using.
func (p *Provider) arnOf(h resource.Handle) string {
	if h.Kind == resource.KindBucket {
		return arn.ARN{Partition: p.partition, Service: "s3", Resource: h.ProviderID}.String()
	}
	a := arn.ARN{
		Partition: p.partition,
		Service:   "ec2",
		Region:    p.regionOf(h.Scope),
		AccountID: p.accountID,
		Resource:  arnTypes[h.Kind] + "/" + h.ProviderID,
	}
	if h.Kind == resource.KindSnapshot {
		a.AccountID = ""
	}
	return a.String()
}
