package shared

import "context"

// Principal identifies the authenticated actor behind a request.
type Principal struct {
	UserID       string
	SessionToken string
}

// RequestMeta carries caller details used to enrich audit records.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

type principalContextKey struct{}

type requestMetaContextKey struct{}

// ContextWithPrincipal stores the authenticated principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

// ContextWithRequestMeta stores request metadata in context.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// RequestMetaFromContext extracts request metadata; the zero value is
// returned when none was stored.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	return meta
}
