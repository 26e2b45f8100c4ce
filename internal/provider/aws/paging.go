package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// minPageSize is the smallest MaxResults EC2 accepts.
const minPageSize = 5

// fetchFunc requests one server page of at most size items.
type fetchFunc func(ctx context.Context, token string, size int32) ([]resource.Resource, string, error)

// window serves limit items starting at token. EC2 rejects MaxResults
// below 5, so smaller pages fetch 5 and hand out a windowed token,
// "~size~skip~token", that re-reads the same server page and skips what
// was already returned.
func window(ctx context.Context, token string, limit, maxSize int, fetch fetchFunc) ([]resource.Resource, string, error) {
	size, skip, serverToken := limit, 0, token
	if strings.HasPrefix(token, "~") {
		var err error
		size, skip, serverToken, err = parseWindow(token)
		if err != nil {
			return nil, "", err
		}
	}
	if size < minPageSize {
		size = minPageSize
	}
	if size > maxSize {
		size = maxSize
	}

	items, next, err := fetch(ctx, serverToken, int32(size))
	if err != nil {
		return nil, "", err
	}
	if skip > len(items) {
		skip = len(items)
	}
	items = items[skip:]
	if len(items) > limit {
		return items[:limit], fmt.Sprintf("~%d~%d~%s", size, skip+limit, serverToken), nil
	}
	return items, next, nil
}

func parseWindow(token string) (size, skip int, serverToken string, err error) {
	parts := strings.SplitN(token[1:], "~", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("%w: %q", resource.ErrInvalidCursor, token)
	}
	size, err1 := strconv.Atoi(parts[0])
	skip, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || size <= 0 || skip < 0 {
		return 0, 0, "", fmt.Errorf("%w: %q", resource.ErrInvalidCursor, token)
	}
	return size, skip, parts[2], nil
}

func optToken(token string) *string {
	if token == "" {
		return nil
	}
	return aws.String(token)
}

// ═══════════════════════════════════════════════════════════════════════════
// Tags
// ═══════════════════════════════════════════════════════════════════════════

// tagsOf converts EC2 tags to a map, as the scanners do.
func tagsOf(tags []types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		if t.Key != nil {
			m[*t.Key] = aws.ToString(t.Value)
		}
	}
	return m
}

// tagSpec tags a resource at creation with its name and label.
func tagSpec(rt types.ResourceType, m *resource.SpecMeta) []types.TagSpecification {
	tags := []types.Tag{{Key: aws.String(nameTag), Value: aws.String(m.Name)}}
	if m.Label != "" {
		tags = append(tags, types.Tag{Key: aws.String(labelTag), Value: aws.String(m.Label)})
	}
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

func tagFilter(key, value string) types.Filter {
	return types.Filter{Name: aws.String("tag:" + key), Values: []string{value}}
}

func filter(name string, values ...string) types.Filter {
	return types.Filter{Name: aws.String(name), Values: values}
}

// base fills the fields every EC2 resource shares from its tags. The name
// falls back to the ID for resources created outside cumulus.
func (p *Provider) base(kind resource.Kind, id string, scope resource.Scope, tags []types.Tag) resource.Resource {
	m := tagsOf(tags)
	name := m[nameTag]
	if name == "" {
		name = id
	}
	h := resource.Handle{Kind: kind, ProviderID: id, Scope: scope}
	return resource.Resource{
		Handle:   h,
		Provider: Name,
		Name:     name,
		Label:    m[labelTag],
		Link:     p.arnOf(h),
		Attrs:    map[string]string{resource.AttrRegion: scope.Name},
	}
}
