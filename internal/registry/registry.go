// Package registry tracks the downstream services the gateway may route
// to. It probes each service's health endpoint on a fixed period,
// independent of request traffic, and owns one circuit breaker per
// service. The gateway only ever asks CanRequest; it never mutates
// breaker state itself.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/events"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/metrics"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/pkg/clock"
)

// Default per-service policy.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultRetryCount       = 1
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
	DefaultProbeInterval    = 30 * time.Second
	DefaultHealthPath       = "/health"
)

// Options is the per-service retry/timeout/breaker policy. Zero fields
// take the package defaults.
type Options struct {
	Timeout          time.Duration
	RetryCount       int
	FailureThreshold int
	ResetTimeout     time.Duration
	HealthPath       string
	WebSocket        bool
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RetryCount <= 0 {
		o.RetryCount = DefaultRetryCount
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.HealthPath == "" {
		o.HealthPath = DefaultHealthPath
	}
	return o
}

// ServiceRecord is one registered downstream service.
type ServiceRecord struct {
	Name    string
	BaseURL *url.URL
	Options Options
	breaker *CircuitBreaker
}

// Breaker exposes the service's circuit breaker, read-only use intended.
func (s *ServiceRecord) Breaker() *CircuitBreaker { return s.breaker }

// HealthRecord is the last known probe outcome for a service.
type HealthRecord struct {
	Status    events.HealthStatus `json:"status"`
	CheckedAt time.Time           `json:"checked_at"`
	Latency   time.Duration       `json:"latency"`
}

// ServiceStatus is the admin-facing view of one service.
type ServiceStatus struct {
	Name     string              `json:"name"`
	URL      string              `json:"url"`
	Health   HealthRecord        `json:"health"`
	Breaker  State               `json:"breaker"`
	Failures int                 `json:"failures"`
}

// Registry owns ServiceRecord and HealthRecord collections.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceRecord
	health   map[string]HealthRecord

	client  *http.Client
	clock   clock.Clock
	logger  *zap.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(logger *zap.Logger, bus *events.Bus, m *metrics.Metrics, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		services: make(map[string]*ServiceRecord),
		health:   make(map[string]HealthRecord),
		client:   &http.Client{},
		clock:    clk,
		logger:   logger,
		bus:      bus,
		metrics:  m,
	}
}

// Register adds a downstream service. Re-registering a name replaces its
// record and resets its breaker.
func (r *Registry) Register(name, rawURL string, opts Options) error {
	base, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse service url %q: %w", rawURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("service url %q must be absolute", rawURL)
	}
	opts = opts.withDefaults()

	rec := &ServiceRecord{
		Name:    name,
		BaseURL: base,
		Options: opts,
		breaker: NewCircuitBreaker(opts.FailureThreshold, opts.ResetTimeout, r.clock),
	}

	r.mu.Lock()
	r.services[name] = rec
	r.health[name] = HealthRecord{Status: events.StatusUnknown}
	r.mu.Unlock()

	r.logger.Info("service registered",
		zap.String("service", name),
		zap.String("url", base.String()),
		zap.Int("failure_threshold", opts.FailureThreshold),
		zap.Duration("reset_timeout", opts.ResetTimeout),
	)
	return nil
}

// Get returns the record for a registered service.
func (r *Registry) Get(name string) (*ServiceRecord, bool) {
	r.mu.RLock()
	rec, ok := r.services[name]
	r.mu.RUnlock()
	return rec, ok
}

// CanRequest is the single gate the gateway consults before proxying.
// Unknown services never pass.
func (r *Registry) CanRequest(name string) bool {
	rec, ok := r.Get(name)
	if !ok {
		return false
	}
	return rec.breaker.Allow()
}

// ReportFailure feeds a request-path proxy failure into the service's
// breaker, so repeated unavailability opens it between probe cycles.
func (r *Registry) ReportFailure(name string) {
	rec, ok := r.Get(name)
	if !ok {
		return
	}
	state := rec.breaker.RecordFailure()
	r.metrics.SetBreakerState(name, string(state))
	if state == StateOpen {
		r.logger.Warn("circuit breaker opened by proxy failure", zap.String("service", name))
	}
}

// Health returns the last known health record for a service.
func (r *Registry) Health(name string) (HealthRecord, bool) {
	r.mu.RLock()
	h, ok := r.health[name]
	r.mu.RUnlock()
	return h, ok
}

// Snapshot returns the admin-facing view of every registered service.
func (r *Registry) Snapshot() []ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceStatus, 0, len(r.services))
	for name, rec := range r.services {
		out = append(out, ServiceStatus{
			Name:     name,
			URL:      rec.BaseURL.String(),
			Health:   r.health[name],
			Breaker:  rec.breaker.State(),
			Failures: rec.breaker.Failures(),
		})
	}
	return out
}

// HealthCheck issues one bounded-time probe against the service's health
// endpoint and folds the outcome into its breaker. A success while the
// breaker is open or half-open closes it and clears the failure counter.
func (r *Registry) HealthCheck(ctx context.Context, name string) (HealthRecord, error) {
	rec, ok := r.Get(name)
	if !ok {
		return HealthRecord{}, fmt.Errorf("unknown service %q", name)
	}

	start := time.Now()
	err := r.probe(ctx, rec)
	latency := time.Since(start)
	r.metrics.ObserveProbe(name, latency)

	record := HealthRecord{CheckedAt: r.clock.Now(), Latency: latency}
	if err != nil {
		record.Status = events.StatusUnhealthy
		state := rec.breaker.RecordFailure()
		r.metrics.SetBreakerState(name, string(state))
		if state == StateOpen {
			r.logger.Warn("circuit breaker open",
				zap.String("service", name), zap.Error(err))
		}
	} else {
		record.Status = events.StatusHealthy
		state := rec.breaker.RecordSuccess()
		r.metrics.SetBreakerState(name, string(state))
	}

	r.storeHealth(name, record)
	return record, err
}

// probe performs the HTTP GET with the service's hard timeout, retried
// per the service's retry policy within a single check.
func (r *Registry) probe(ctx context.Context, rec *ServiceRecord) error {
	healthURL := *rec.BaseURL
	healthURL.Path = rec.Options.HealthPath

	var lastErr error
	for attempt := 0; attempt < rec.Options.RetryCount; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, rec.Options.Timeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, healthURL.String(), nil)
		if err != nil {
			cancel()
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		resp.Body.Close()
		cancel()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return lastErr
}

// storeHealth updates the health record and publishes a transition event
// when the status changed.
func (r *Registry) storeHealth(name string, record HealthRecord) {
	r.mu.Lock()
	prev := r.health[name]
	r.health[name] = record
	r.mu.Unlock()

	if prev.Status == record.Status {
		return
	}
	r.logger.Info("service health changed",
		zap.String("service", name),
		zap.String("from", string(prev.Status)),
		zap.String("to", string(record.Status)),
		zap.Duration("latency", record.Latency),
	)
	if r.bus != nil {
		r.bus.PublishHealth(events.HealthEvent{
			Service:   name,
			Status:    record.Status,
			Latency:   record.Latency,
			CheckedAt: record.CheckedAt,
		})
	}
}

// StartHealthChecks begins the periodic prober. Safe to call once; a
// second call while running is a no-op.
func (r *Registry) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Info("health prober already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.logger.Info("health prober started", zap.Duration("interval", interval))
		r.checkAll(ctx)
		for {
			select {
			case <-ticker.C:
				r.checkAll(ctx)
			case <-ctx.Done():
				r.logger.Info("health prober stopping")
				return
			}
		}
	}()
}

// StopHealthChecks stops the prober and waits for in-flight probes.
func (r *Registry) StopHealthChecks() {
	if r.running.Load() {
		r.cancel()
		r.wg.Wait()
		r.running.Store(false)
	}
}

func (r *Registry) checkAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.HealthCheck(ctx, name)
		}(name)
	}
	wg.Wait()
}
