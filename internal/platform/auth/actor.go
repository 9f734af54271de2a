package auth

import "context"

// Actor identifies the authenticated staff member performing an operation.
// The values come from token claims and are snapshotted onto lifecycle
// transitions as immutable actor stamps.
type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

// ActorFromContext returns the authenticated actor, zero-valued when absent.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(ActorKey).(Actor)
	return a
}

// WithActor returns a context carrying the given actor. Used by tests and
// background jobs acting on behalf of the system.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

// WithPermissions returns a context carrying the given capability strings.
func WithPermissions(ctx context.Context, perms []string) context.Context {
	return context.WithValue(ctx, PermissionsKey, perms)
}
