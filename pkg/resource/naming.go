package resource

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	labelPattern   = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)
	namePattern    = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)
	bucketPattern  = regexp.MustCompile(`^[a-z0-9][-a-z0-9_.]{1,61}[a-z0-9]$`)
	keyPairPattern = regexp.MustCompile(`^[A-Za-z0-9][-A-Za-z0-9_.@]{0,254}$`)
)

// suffixLen is the generated-name suffix: a dash plus 8 hex characters.
const suffixLen = 9

// ValidateLabel checks a label against the common rules: lowercase letters,
// digits and dashes, starting with a letter, at most 63 characters. An empty
// label is allowed.
func ValidateLabel(kind Kind, label string) error {
	if label == "" {
		return nil
	}
	if !labelPattern.MatchString(label) {
		return &ValidationError{Kind: kind, Field: "label", Value: label,
			Reason: "must be 1-63 lowercase letters, digits or dashes and start with a letter"}
	}
	return nil
}

// ValidateName checks a provider name with the default per-kind rules.
// Adapters with stricter or looser rules override this through
// provider.NameValidator.
func ValidateName(kind Kind, name string) error {
	switch kind {
	case KindBucket:
		if !bucketPattern.MatchString(name) || strings.Contains(name, "..") {
			return &ValidationError{Kind: kind, Field: "name", Value: name,
				Reason: "must be 3-63 lowercase letters, digits, dots, underscores or dashes"}
		}
	case KindKeyPair:
		if !keyPairPattern.MatchString(name) {
			return &ValidationError{Kind: kind, Field: "name", Value: name,
				Reason: "must be 1-255 printable characters without spaces"}
		}
	default:
		if !namePattern.MatchString(name) {
			return &ValidationError{Kind: kind, Field: "name", Value: name,
				Reason: "must be 1-63 lowercase letters, digits or dashes and start with a letter"}
		}
	}
	return nil
}

// GenerateName derives a unique provider name from a label, or from a kind
// prefix when the label is empty. The result is "<base>-<8 hex>".
func GenerateName(kind Kind, label string) string {
	base := label
	if base == "" {
		base = "cumulus-" + string(kind)
	}
	if limit := 63 - suffixLen; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
