package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// conflictCodes are API error codes meaning the name is taken.
var conflictCodes = map[string]bool{
	"InvalidKeyPair.Duplicate": true,
	"InvalidGroup.Duplicate":   true,
	"BucketAlreadyOwnedByYou":  true,
	"BucketAlreadyExists":      true,
}

// classify maps an SDK error to the resource sentinels. Everything that is
// neither a missing resource nor a name collision becomes a ProviderError.
func classify(err error, kind resource.Kind, op, id string) error {
	if err == nil {
		return nil
	}
	if code := errorCode(err); code != "" {
		switch {
		case isNotFoundCode(code):
			return fmt.Errorf("%s %s %s: %w: %s", op, kind, id, resource.ErrNotFound, code)
		case conflictCodes[code]:
			return &resource.DuplicateResourceError{Kind: kind, Name: id, Cause: err}
		}
	}
	return &resource.ProviderError{Provider: Name, Kind: kind, Op: op, ID: id, Cause: err}
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isNotFoundCode covers "InvalidInstanceID.NotFound" and friends, malformed
// IDs (which cannot name an existing resource) and the S3 codes.
func isNotFoundCode(code string) bool {
	return strings.HasSuffix(code, ".NotFound") ||
		strings.HasSuffix(code, ".Malformed") ||
		code == "NotFound" ||
		code == "NoSuchBucket"
}
