package service

import (
	"context"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// Instrumentation observes façade calls and operation polls. The telemetry
// package provides the OpenTelemetry implementation.
type Instrumentation interface {
	// StartCall is invoked when a façade call begins. The returned function
	// is called with the call's error when it ends.
	StartCall(ctx context.Context, kind resource.Kind, call string) (context.Context, func(error))
	OperationPolled(ctx context.Context, kind resource.Kind, status operation.Status)
}

type nopInstrumentation struct{}

func (nopInstrumentation) StartCall(ctx context.Context, _ resource.Kind, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopInstrumentation) OperationPolled(context.Context, resource.Kind, operation.Status) {}
