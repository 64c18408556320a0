package access

import "context"

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated caller to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	if id == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the authenticated caller from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// PrincipalFromContext returns the caller only when it is a human principal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, false
	}
	p, ok := id.(*Principal)
	return p, ok && p != nil
}
