// Package ctxutil carries request-scoped identity through context.Context.
// It has no internal dependencies so any package can import it.
package ctxutil

import "context"

// SystemActor is recorded when no caller identity is available, e.g. for
// scheduled sweeps.
const SystemActor = "system"

type actorKey struct{}

// WithActorID returns a context carrying the acting member's id.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the actor id, or SystemActor when none is set.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
