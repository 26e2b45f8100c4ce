package gce

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// classify maps googleapi errors onto the resource sentinels. Anything else
// is passed through as a ProviderError.
func classify(err error, kind resource.Kind, op, id string) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s %s: %w", op, kind, id, resource.ErrNotFound)
		case http.StatusConflict:
			return fmt.Errorf("%s %s %s: %w", op, kind, id, resource.ErrConflict)
		}
	}
	return &resource.ProviderError{Provider: Name, Kind: kind, Op: op, ID: id, Cause: err}
}

// isPreconditionFailed reports a metadata fingerprint mismatch.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
