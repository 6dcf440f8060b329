// Package metrics holds the gateway's Prometheus instruments: a request
// counter per service/method/status code, a latency histogram per
// service/method, plus a circuit-breaker-state gauge per service.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracklore/gateway/internal/httpx"
	"github.com/tracklore/gateway/internal/registry"
)

// Metrics is the process-wide instrument set.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	BreakerState *prometheus.GaugeVec
}

// New builds the instrument set and registers it against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests handled by the gateway",
		}, []string{"service", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Request latency as observed at the gateway",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service: 0=closed, 1=half_open, 2=open",
		}, []string{"service"}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.BreakerState)
	return m
}

type serviceKeyType string

const serviceKey serviceKeyType = "service"

// WithService annotates the request context with the matched service
// name, for Instrument to label its observations with.
func WithService(r *http.Request, service string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), serviceKey, service))
}

// ServiceName reads back the service name set by WithService, or
// "unmatched" if none was set (requests that never hit the route
// table, e.g. /health, /metrics, 404s).
func ServiceName(ctx context.Context) string {
	if v, ok := ctx.Value(serviceKey).(string); ok && v != "" {
		return v
	}
	return "unmatched"
}

// Instrument wraps next, recording a request count and latency
// observation for every response it writes.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		service := ServiceName(r.Context())
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Requests.WithLabelValues(service, r.Method, strconv.Itoa(code)).Inc()
		m.Latency.WithLabelValues(service, r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveBreakers sets the breaker-state gauge for every service in
// reg. The caller re-invokes this periodically (cmd/gateway runs it on
// a ticker) since breaker state changes outside of any request this
// package observes directly.
func ObserveBreakers(m *Metrics, reg *registry.Registry) {
	for _, name := range reg.Names() {
		entry := reg.Lookup(name)
		if entry == nil {
			continue
		}
		m.BreakerState.WithLabelValues(name).Set(entry.Breaker.Stats().State.Value())
	}
}
