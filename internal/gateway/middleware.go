package gateway

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/metrics"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/session"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/token"
)

// Identity headers injected for downstream services, plus the correlation
// and environment headers the gateway propagates.
const (
	HeaderUserID      = "X-User-Id"
	HeaderUserRole    = "X-User-Role"
	HeaderTenantID    = "X-Tenant-Id"
	HeaderRequestID   = "X-Request-Id"
	HeaderEnvironment = "X-Environment"
)

// RoleSuper may act across tenants.
const RoleSuper = "super"

// Pipeline holds the shared dependencies of the authorization chain.
type Pipeline struct {
	tokens  *token.Service
	store   session.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPipeline(tokens *token.Service, store session.Store, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{tokens: tokens, store: store, logger: logger, metrics: m}
}

// RequestID tags every request with a correlation id, generating one when
// the caller did not supply it, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Authenticate extracts the bearer credential, verifies it as an access
// token or API key, and rejects revoked access tokens. The verified
// principal is placed in the request context.
func (p *Pipeline) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			p.deny(w, http.StatusUnauthorized, CodeMissingAuthHeader, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			p.deny(w, http.StatusUnauthorized, CodeInvalidAuthFormat, "authorization header must be 'Bearer <token>'")
			return
		}

		claims, err := p.tokens.VerifyAny(parts[1], token.KindAccess, token.KindAPIKey)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				p.deny(w, http.StatusUnauthorized, CodeTokenExpired, "token has expired")
			default:
				// A wrong-typed token is reported the same as a bad one;
				// callers must not learn which kinds the gateway accepts.
				p.deny(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
			}
			return
		}

		revoked, err := p.store.IsTokenRevoked(r.Context(), claims.ID)
		if err != nil {
			p.logger.Error("revocation lookup failed", zap.Error(err),
				zap.String("request_id", RequestIDFrom(r.Context())))
			p.deny(w, http.StatusInternalServerError, CodeInternal, "authorization check failed")
			return
		}
		if revoked {
			p.deny(w, http.StatusUnauthorized, CodeTokenRevoked, "token has been revoked")
			return
		}

		p.metrics.IncAuthDecision("allowed")
		ctx := WithPrincipal(r.Context(), token.PrincipalFromClaims(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAccess enforces the route's role and permission policy. A
// wildcard permission bypasses both checks; otherwise the caller's role
// must be in roles (when roles is non-empty) and its permission set must
// intersect perms (when perms is non-empty).
func (p *Pipeline) RequireAccess(roles, perms []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				p.deny(w, http.StatusUnauthorized, CodeInvalidToken, "no authenticated principal")
				return
			}

			if principal.HasPermission(token.WildcardPermission) {
				next.ServeHTTP(w, r)
				return
			}

			if len(roles) > 0 && !containsString(roles, principal.Role) {
				p.deny(w, http.StatusForbidden, CodeInsufficientRole, "role not permitted for this route")
				return
			}

			if len(perms) > 0 {
				allowed := false
				for _, perm := range perms {
					if principal.HasPermission(perm) {
						allowed = true
						break
					}
				}
				if !allowed {
					p.deny(w, http.StatusForbidden, CodeInsufficientPermission, "missing required permission")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TenantContext resolves the effective tenant. An explicit tenant header
// must match the token's tenant unless the caller holds the super role,
// which may act cross-tenant.
func (p *Pipeline) TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			p.deny(w, http.StatusUnauthorized, CodeInvalidToken, "no authenticated principal")
			return
		}

		tenant := principal.TenantID
		if header := r.Header.Get(HeaderTenantID); header != "" && header != principal.TenantID {
			if principal.Role != RoleSuper {
				p.deny(w, http.StatusForbidden, CodeTenantAccessDenied, "cannot act on another tenant")
				return
			}
			tenant = header
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

func (p *Pipeline) deny(w http.ResponseWriter, status int, code Code, msg string) {
	p.metrics.IncAuthDecision(string(code))
	WriteError(w, status, code, msg)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RateLimiter applies a per-client-IP token bucket, used on the auth
// endpoints to slow credential stuffing.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// Middleware rejects callers that exceed the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		if !rl.Allow(host) {
			WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
