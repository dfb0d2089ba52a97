package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/metrics"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/registry"
)

// Route describes one proxied route group: a path prefix, the downstream
// service it targets, and the role/permission policy enforced before
// forwarding.
type Route struct {
	Prefix      string
	Service     string
	Roles       []string
	Permissions []string
}

// Router composes the authorization pipeline with registry-aware proxies
// into the gateway's single request surface. Local endpoints (health,
// metrics, service status, auth) are served directly; everything else is
// authenticated, authorized, gated on the breaker, and proxied.
type Router struct {
	mux      *http.ServeMux
	pipeline *Pipeline
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewRouter(pipeline *Pipeline, reg *registry.Registry, m *metrics.Metrics, logger *zap.Logger) *Router {
	rt := &Router{
		mux:      http.NewServeMux(),
		pipeline: pipeline,
		registry: reg,
		metrics:  m,
		logger:   logger,
	}

	rt.mux.HandleFunc("/health", rt.handleHealth)
	rt.mux.Handle("/metrics", m.Handler())
	rt.mux.Handle("/gateway/services", Chain(
		http.HandlerFunc(rt.handleServices),
		pipeline.Authenticate,
		pipeline.RequireAccess([]string{"admin", RoleSuper}, nil),
	))

	return rt
}

// Mount attaches a locally served handler tree, e.g. the auth endpoints.
func (rt *Router) Mount(prefix string, h http.Handler) {
	rt.mux.Handle(prefix, h)
}

// AddRoute wires one proxied route group. The target service must be
// registered before its routes are added.
func (rt *Router) AddRoute(route Route) error {
	rec, ok := rt.registry.Get(route.Service)
	if !ok {
		return fmt.Errorf("route %q targets unregistered service %q", route.Prefix, route.Service)
	}

	proxy := NewServiceProxy(rt.registry, rec, route.Prefix, rt.logger, rt.metrics)
	rt.mux.Handle(route.Prefix, Chain(
		proxy,
		rt.pipeline.Authenticate,
		rt.pipeline.RequireAccess(route.Roles, route.Permissions),
		rt.pipeline.TenantContext,
	))

	rt.logger.Info("route added",
		zap.String("prefix", route.Prefix),
		zap.String("service", route.Service),
		zap.Strings("roles", route.Roles),
		zap.Strings("permissions", route.Permissions),
	)
	return nil
}

// Handler returns the complete request surface with correlation ids and
// access logging applied outermost.
func (rt *Router) Handler() http.Handler {
	return RequestID(rt.logRequests(rt.mux))
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (rt *Router) handleServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rt.registry.Snapshot())
}

// statusWriter captures the response status for access logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the logging wrapper.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rt *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		rt.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", RequestIDFrom(r.Context())),
		)
	})
}

// Chain applies middlewares to h, outermost first.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
