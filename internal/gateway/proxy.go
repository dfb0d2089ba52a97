package gateway

import (
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/metrics"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/registry"
)

// ServiceProxy forwards authorized requests for one route group to its
// downstream service. It consults the registry's breaker gate immediately
// before forwarding; the gate read and the forwarding decision are not
// separated by any other blocking call, so the boolean acted upon is the
// one that was read.
type ServiceProxy struct {
	registry *registry.Registry
	service  string
	prefix   string
	proxy    *httputil.ReverseProxy
	ws       *WebSocketProxy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewServiceProxy(
	reg *registry.Registry,
	rec *registry.ServiceRecord,
	prefix string,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ServiceProxy {
	sp := &ServiceProxy{
		registry: reg,
		service:  rec.Name,
		prefix:   prefix,
		logger:   logger.With(zap.String("service", rec.Name)),
		metrics:  m,
	}
	if rec.Options.WebSocket {
		sp.ws = NewWebSocketProxy(rec.BaseURL, sp.logger)
	}

	// Clone the default transport to avoid modifying the global one and
	// apply the service's hard timeout to header reads.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = rec.Options.Timeout

	target := rec.BaseURL
	sp.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			// Headers first: injectHeaders reads the inbound host before
			// it is rewritten to the target's.
			sp.injectHeaders(req)
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = joinPath(target.Path, strings.TrimPrefix(req.URL.Path, sp.prefix))
			req.Host = target.Host
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			sp.metrics.IncRequest(sp.service, strconv.Itoa(resp.StatusCode))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// A proxy failure counts against the breaker so repeated
			// unavailability stops further futile attempts.
			sp.registry.ReportFailure(sp.service)
			sp.metrics.IncRequest(sp.service, string(CodeServiceUnavailable))
			sp.logger.Warn("proxy failure",
				zap.Error(err),
				zap.String("request_id", RequestIDFrom(r.Context())),
			)
			WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "service unavailable")
		},
	}
	return sp
}

func (sp *ServiceProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !sp.registry.CanRequest(sp.service) {
		// Fail fast: no network I/O while the breaker is open.
		sp.metrics.IncRequest(sp.service, string(CodeServiceUnavailable))
		WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "service unavailable")
		return
	}

	if sp.ws != nil && isWebSocketUpgrade(r) {
		sp.ws.ServeHTTP(w, r)
		return
	}
	sp.proxy.ServeHTTP(w, r)
}

// injectHeaders replaces the inbound credential with identity headers the
// downstream service can trust without re-verifying the original token.
func (sp *ServiceProxy) injectHeaders(req *http.Request) {
	req.Header.Del("Authorization")

	if principal, ok := PrincipalFrom(req.Context()); ok {
		req.Header.Set(HeaderUserID, principal.UserID)
		req.Header.Set(HeaderUserRole, principal.Role)
	}
	if tenant := TenantFrom(req.Context()); tenant != "" {
		req.Header.Set(HeaderTenantID, tenant)
	}
	if id := RequestIDFrom(req.Context()); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	// X-Environment is propagated as supplied by the caller, or dropped.

	req.Header.Set("X-Real-IP", req.RemoteAddr)
	req.Header.Set("X-Forwarded-Host", req.Host)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func joinPath(base, rest string) string {
	switch {
	case base == "" || base == "/":
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		return rest
	case strings.HasSuffix(base, "/") && strings.HasPrefix(rest, "/"):
		return base + rest[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(rest, "/"):
		return base + "/" + rest
	default:
		return base + rest
	}
}
