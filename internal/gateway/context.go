package gateway

import (
	"context"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/token"
)

// contextKey is a private type so gateway context values cannot collide
// with other packages'.
type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
	tenantKey    contextKey = "tenant"
)

// WithPrincipal stores the authenticated identity in the context.
func WithPrincipal(ctx context.Context, p token.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated identity, if any.
func PrincipalFrom(ctx context.Context) (token.Principal, bool) {
	p, ok := ctx.Value(principalKey).(token.Principal)
	return p, ok
}

// WithRequestID stores the correlation id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the correlation id, or "" when absent.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTenant stores the effective tenant for the request.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFrom returns the effective tenant, or "" when absent.
func TenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok {
		return t
	}
	return ""
}
