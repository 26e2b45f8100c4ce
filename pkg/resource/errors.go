package resource

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Adapters classify provider errors into ErrNotFound and
// ErrConflict; the façade turns ErrNotFound into absence.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrConflict        = errors.New("resource already exists")
	ErrInvalidRef      = errors.New("invalid resource reference")
	ErrInvalidCursor   = errors.New("invalid page cursor")
	ErrUnsupportedKind = errors.New("unsupported resource kind")
)

// DuplicateResourceError reports a name collision on create.
type DuplicateResourceError struct {
	Kind  Kind
	Name  string
	Cause error
}

func (e *DuplicateResourceError) Error() string {
	msg := fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DuplicateResourceError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrConflict) match duplicates.
func (e *DuplicateResourceError) Is(target error) bool { return target == ErrConflict }

// UnsupportedFilterError reports find criteria the kind cannot filter on.
type UnsupportedFilterError struct {
	Kind      Kind
	Keys      []string
	Supported []string
}

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("unsupported %s filter %s (supported: %s)",
		e.Kind, strings.Join(e.Keys, ", "), strings.Join(e.Supported, ", "))
}

// OperationFailedError is a provider-reported terminal failure of an async
// operation. It is never retried by cumulus.
type OperationFailedError struct {
	Kind      Kind
	Target    string
	Operation string
	Reason    string
	Raw       error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation %s on %s %s failed: %s", e.Operation, e.Kind, e.Target, e.Reason)
}

func (e *OperationFailedError) Unwrap() error { return e.Raw }

// OperationTimeoutError means polling gave up while the operation was still
// pending. The operation may still complete on the provider side.
type OperationTimeoutError struct {
	Kind      Kind
	Target    string
	Operation string
	Attempts  int
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s on %s %s still pending after %d polls", e.Operation, e.Kind, e.Target, e.Attempts)
}

// ProviderError passes through any other provider failure with context.
type ProviderError struct {
	Provider string
	Kind     Kind
	Op       string
	ID       string
	Cause    error
}

func (e *ProviderError) Error() string {
	target := string(e.Kind)
	if e.ID != "" {
		target += " " + e.ID
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Provider, e.Op, target, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ValidationError reports input rejected before any provider call.
type ValidationError struct {
	Kind   Kind
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s %q: %s", e.Kind, e.Field, e.Value, e.Reason)
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a name collision.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
