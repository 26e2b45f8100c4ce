// Package operation drives asynchronous provider operations to a terminal
// state.
package operation

import (
	"context"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Status of a provider operation.
type Status int

// Operation states. Timeout is not a provider status; the waiter reports it
// as an error.
const (
	Pending Status = iota
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Terminal reports whether no further polling can change the status.
func (s Status) Terminal() bool { return s == Done || s == Failed }

// OperationError is the provider's reason for a failed operation.
type OperationError struct {
	Reason string
	Raw    error
}

// Operation is a handle to provider-side work started by a mutating call.
// It lives only as long as the call that created it.
type Operation struct {
	// Name is the provider operation ID. Providers that track progress
	// through the target resource itself use the verb, e.g. "delete".
	Name   string
	Target resource.Handle
	// Link is the target self-link, ARN or URL once known.
	Link   string
	Scope  resource.Scope
	Status Status
	Err    *OperationError
}

// Completed wraps a synchronous result as an already finished operation.
func Completed(target resource.Handle, link string) *Operation {
	return &Operation{Target: target, Link: link, Scope: target.Scope, Status: Done}
}

// Started returns a pending operation for target.
func Started(name string, target resource.Handle) *Operation {
	return &Operation{Name: name, Target: target, Scope: target.Scope, Status: Pending}
}

// TargetLink is the link of the target, falling back to its provider ID.
func (o *Operation) TargetLink() string {
	if o.Link != "" {
		return o.Link
	}
	return o.Target.ProviderID
}

// State is one observation of an operation.
type State struct {
	Status Status
	// Link updates the target link when the provider reports it.
	Link string
	Err  *OperationError
}

// Poller fetches the current state of an operation. A returned error is a
// failure to observe, not an operation failure.
type Poller interface {
	Poll(ctx context.Context, op *Operation) (State, error)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context, op *Operation) (State, error)

// Poll calls f.
func (f PollerFunc) Poll(ctx context.Context, op *Operation) (State, error) { return f(ctx, op) }
