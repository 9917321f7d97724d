package identity

import "context"

type ctxKey struct{}

// NewContext stores the resolved identity for downstream handlers.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity placed by the extraction middleware.
// Callers outside a request (tests, jobs) get a zero identity.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}
