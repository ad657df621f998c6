package orchestrator

import (
	"context"
	"encoding/json"
	"time"
)

// Handler executes one capability for one owner.
type Handler interface {
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return f(ctx, args)
}

// Handlers maps capability names to the handlers bound to one owner.
type Handlers map[string]Handler

// Toolbox builds the handler set of an owner at invocation time.
type Toolbox interface {
	HandlersFor(ctx context.Context, ownerID string) (Handlers, error)
}

// ToolboxFunc adapts a function to Toolbox.
type ToolboxFunc func(ctx context.Context, ownerID string) (Handlers, error)

// HandlersFor calls f.
func (f ToolboxFunc) HandlersFor(ctx context.Context, ownerID string) (Handlers, error) {
	return f(ctx, ownerID)
}

type locationKey struct{}

// WithLocation returns a context carrying the owner's timezone. Handlers read
// it to interpret wall-clock times given without an offset.
func WithLocation(ctx context.Context, loc *time.Location) context.Context {
	return context.WithValue(ctx, locationKey{}, loc)
}

// LocationFromContext returns the owner's timezone, or UTC when none is set.
func LocationFromContext(ctx context.Context) *time.Location {
	if loc, ok := ctx.Value(locationKey{}).(*time.Location); ok && loc != nil {
		return loc
	}
	return time.UTC
}
