package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// buckets are global handles. ListBuckets returns every bucket of the
// account in one call.
type buckets struct{ p *Provider }

func (a *buckets) Kind() resource.Kind { return resource.KindBucket }

func (a *buckets) Get(ctx context.Context, h resource.Handle) (resource.Resource, error) {
	if _, err := a.p.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(h.ProviderID)}); err != nil {
		return resource.Resource{}, classify(err, resource.KindBucket, "get", h.ProviderID)
	}
	r := a.p.bucketResource(h.ProviderID, nil)
	loc, err := a.p.s3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(h.ProviderID)})
	if err != nil {
		return resource.Resource{}, classify(err, resource.KindBucket, "get location", h.ProviderID)
	}
	r.Attrs[resource.AttrLocation] = bucketRegion(loc.LocationConstraint)
	return r, nil
}

// Create is synchronous. us-east-1 takes no location constraint.
func (a *buckets) Create(ctx context.Context, spec resource.Spec) (*operation.Operation, error) {
	s, ok := spec.(*resource.BucketSpec)
	if !ok {
		return nil, provider.Unsupported(Name, spec.Kind())
	}
	location := s.Location
	if location == "" {
		location = a.p.region
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(s.Name)}
	if location != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(location),
		}
	}
	if _, err := a.p.s3.CreateBucket(ctx, in); err != nil {
		return nil, classify(err, resource.KindBucket, "create", s.Name)
	}
	return a.p.completed(resource.Handle{Kind: resource.KindBucket, ProviderID: s.Name}), nil
}

func (a *buckets) Delete(ctx context.Context, h resource.Handle) (*operation.Operation, error) {
	if _, err := a.p.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(h.ProviderID)}); err != nil {
		return nil, classify(err, resource.KindBucket, "delete", h.ProviderID)
	}
	return a.p.completed(h), nil
}

// ListAll lists every bucket. Locations cost one call per bucket and are
// left out; Get fills them in.
func (a *buckets) ListAll(ctx context.Context, _ provider.ListQuery) ([]resource.Resource, error) {
	out, err := a.p.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classify(err, resource.KindBucket, "list", "")
	}
	items := make([]resource.Resource, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		items = append(items, a.p.bucketResource(aws.ToString(b.Name), &b))
	}
	return items, nil
}

func (p *Provider) bucketResource(name string, b *s3types.Bucket) resource.Resource {
	h := resource.Handle{Kind: resource.KindBucket, ProviderID: name}
	r := resource.Resource{
		Handle:   h,
		Provider: Name,
		Name:     name,
		Status:   "available",
		Link:     p.arnOf(h),
		Attrs:    make(map[string]string),
	}
	if b != nil && b.CreationDate != nil {
		r.CreatedAt = *b.CreationDate
	}
	return r
}

// bucketRegion maps the legacy empty constraint to us-east-1.
func bucketRegion(c s3types.BucketLocationConstraint) string {
	if c == "" {
		return "us-east-1"
	}
	return string(c)
}
