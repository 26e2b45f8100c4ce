// Package filter validates and applies find criteria.
package filter

import (
	"sort"
	"strings"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Criteria keys.
const (
	KeyName  = "name"
	KeyLabel = "label"
	KeyID    = "id"
)

// Criteria are find conditions, all of which must match.
type Criteria map[string]string

// Keys returns the criteria keys sorted.
func (c Criteria) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Supported returns the criteria keys a kind can be found by.
func Supported(kind resource.Kind) []string {
	switch kind {
	case resource.KindKeyPair:
		return []string{KeyID, KeyName}
	case resource.KindBucket:
		return []string{KeyName}
	default:
		return []string{KeyLabel, KeyName}
	}
}

// Filter matches resources of one kind against criteria.
type Filter struct {
	kind     resource.Kind
	criteria Criteria
}

// New validates criteria for kind. Any unsupported key fails the whole
// filter with *resource.UnsupportedFilterError.
func New(kind resource.Kind, c Criteria) (*Filter, error) {
	supported := Supported(kind)
	var bad []string
	for _, k := range c.Keys() {
		if !contains(supported, k) {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		return nil, &resource.UnsupportedFilterError{Kind: kind, Keys: bad, Supported: supported}
	}
	return &Filter{kind: kind, criteria: c}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// IsEmpty returns true if no criteria are set.
func (f *Filter) IsEmpty() bool { return len(f.criteria) == 0 }

// LabelOnly returns the label when it is the only criterion, which lets
// adapters filter server-side.
func (f *Filter) LabelOnly() (string, bool) {
	if len(f.criteria) != 1 {
		return "", false
	}
	l, ok := f.criteria[KeyLabel]
	return l, ok
}

// Fingerprint is a stable rendering of the criteria.
func (f *Filter) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(f.kind))
	for _, k := range f.criteria.Keys() {
		b.WriteString("|" + k + "=" + f.criteria[k])
	}
	return b.String()
}

// Match returns true if r satisfies every criterion. Bucket names match by
// substring; everything else matches exactly.
func (f *Filter) Match(r resource.Resource) bool {
	for k, v := range f.criteria {
		switch k {
		case KeyName:
			if f.kind == resource.KindBucket {
				if !strings.Contains(r.Name, v) {
					return false
				}
			} else if r.Name != v {
				return false
			}
		case KeyLabel:
			if r.Label != v {
				return false
			}
		case KeyID:
			if r.ID() != v {
				return false
			}
		}
	}
	return true
}

// Apply returns only the resources that match.
func (f *Filter) Apply(resources []resource.Resource) []resource.Resource {
	if f.IsEmpty() {
		return resources
	}
	filtered := make([]resource.Resource, 0, len(resources))
	for _, r := range resources {
		if f.Match(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
