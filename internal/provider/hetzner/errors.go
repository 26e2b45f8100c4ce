package hetzner

import (
	"fmt"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// classify maps an API error to the resource sentinels.
func classify(err error, kind resource.Kind, op, id string) error {
	if err == nil {
		return nil
	}
	switch {
	case hcloud.IsError(err, hcloud.ErrorCodeNotFound):
		return fmt.Errorf("%s %s %s: %w", op, kind, id, resource.ErrNotFound)
	case hcloud.IsError(err, hcloud.ErrorCodeUniquenessError):
		return &resource.DuplicateResourceError{Kind: kind, Name: id, Cause: err}
	}
	return &resource.ProviderError{Provider: Name, Kind: kind, Op: op, ID: id, Cause: err}
}

func notFound(op string, kind resource.Kind, id string) error {
	return fmt.Errorf("%s %s %s: %w", op, kind, id, resource.ErrNotFound)
}
