// Package handler defines the capability interface a loaded agent package
// exposes, plus the registry of built-in handlers and the exec handler that
// runs package-provided executables.
package handler

import (
	"context"
	"encoding/json"
)

// Handler is the single capability an agent package exposes: one operation
// transforming one input payload into one output payload.
//
// Implementations must be reentrant. The worker runs invocations
// concurrently up to its configured bound and does not serialize calls.
type Handler interface {
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Invoke implements Handler.
func (f Func) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}
