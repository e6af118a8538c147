// Package telemetry records request, index and erase metrics and serves
// them in the Prometheus exposition format.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/cache"
	"github.com/ehr/fhirstore/internal/platform/index/consumer"
	"github.com/ehr/fhirstore/internal/platform/persistence"
)

const namespace = "fhirstore"

// Metrics is the process-wide metric set. Each Metrics owns its registry so
// tests and multiple servers in one process never collide.
type Metrics struct {
	reg *prometheus.Registry

	requests *prometheus.HistogramVec
	active   prometheus.Gauge
	indexed  *prometheus.CounterVec
	erased   *prometheus.CounterVec

	mu    sync.Mutex
	funcs map[string]prometheus.Collector
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
		indexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "messages_total",
			Help:      "Index messages handled, by outcome.",
		}, []string{"outcome"}),
		erased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "erase",
			Name:      "calls_total",
			Help:      "Erase calls, by status.",
		}, []string{"status"}),
		funcs: make(map[string]prometheus.Collector),
	}
	m.reg.MustRegister(m.requests, m.active, m.indexed, m.erased)
	return m
}

// RegisterGauge adds a gauge sampled on every scrape. Registering a name
// twice replaces the earlier function.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registerFunc(name, prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// RegisterCounter adds a monotonic counter read from fn on every scrape.
func (m *Metrics) RegisterCounter(name, help string, fn func() float64) {
	m.registerFunc(name, prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) registerFunc(name string, c prometheus.Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.funcs[name]; ok {
		m.reg.Unregister(prev)
	}
	m.reg.MustRegister(c)
	m.funcs[name] = c
}

// ObserveIndex counts one indexed message by outcome. Failed messages are
// counted as "failed" regardless of the outcome value.
func (m *Metrics) ObserveIndex(outcome consumer.Outcome, err error) {
	m.indexed.WithLabelValues(indexOutcome(outcome, err)).Inc()
}

func indexOutcome(outcome consumer.Outcome, err error) string {
	switch {
	case err == nil:
		return outcome.String()
	case errors.Is(err, consumer.ErrInvalidMessage):
		return "invalid"
	case errors.Is(err, cache.ErrIdentityConflict):
		return "conflict"
	}
	return "failed"
}

// ObserveErase counts one erase call by its status.
func (m *Metrics) ObserveErase(rec persistence.EraseRecord, err error) {
	status := string(rec.Status)
	if err != nil {
		status = "error"
	}
	m.erased.WithLabelValues(status).Inc()
}

// Middleware records request durations by method, route and status, and
// tracks in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Inc()
			defer m.active.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requests.WithLabelValues(
				c.Request().Method,
				route,
				strconv.Itoa(c.Response().Status),
			).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
}

// MessageHandler indexes one message.
type MessageHandler interface {
	Handle(ctx context.Context, msg index.Message) (consumer.Outcome, error)
}

// CountingHandler counts the outcome of every message it passes on.
type CountingHandler struct {
	next    MessageHandler
	metrics *Metrics
}

func NewCountingHandler(next MessageHandler, m *Metrics) *CountingHandler {
	return &CountingHandler{next: next, metrics: m}
}

func (h *CountingHandler) Handle(ctx context.Context, msg index.Message) (consumer.Outcome, error) {
	outcome, err := h.next.Handle(ctx, msg)
	h.metrics.ObserveIndex(outcome, err)
	return outcome, err
}

// Eraser erases resource versions.
type Eraser interface {
	Erase(ctx context.Context, req persistence.EraseRequest) (persistence.EraseRecord, error)
}

// CountingEraser counts the status of every erase call it passes on.
type CountingEraser struct {
	next    Eraser
	metrics *Metrics
}

func NewCountingEraser(next Eraser, m *Metrics) *CountingEraser {
	return &CountingEraser{next: next, metrics: m}
}

func (e *CountingEraser) Erase(ctx context.Context, req persistence.EraseRequest) (persistence.EraseRecord, error) {
	rec, err := e.next.Erase(ctx, req)
	e.metrics.ObserveErase(rec, err)
	return rec, err
}
