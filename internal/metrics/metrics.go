package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of the workflow engine and its HTTP API.
// A nil *Metrics records nothing.
type Metrics struct {
	checks       *prometheus.CounterVec
	writes       *prometheus.CounterVec
	rulesWritten *prometheus.CounterVec
	writeLatency *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var (
	defaultOnce sync.Once
	defaultInst *Metrics
)

// Default returns the process-wide collectors registered with the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInst = New(prometheus.DefaultRegisterer)
	})
	return defaultInst
}

// New registers a fresh set of collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issueflow",
			Subsystem: "workflow",
			Name:      "checks_total",
			Help:      "Rule evaluations, labeled by operation and outcome",
		}, []string{"op", "outcome"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issueflow",
			Subsystem: "workflow",
			Name:      "writes_total",
			Help:      "Rule write commands, labeled by operation and result",
		}, []string{"op", "result"}),
		rulesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issueflow",
			Subsystem: "workflow",
			Name:      "rules_written_total",
			Help:      "Rule rows inserted by write commands",
		}, []string{"kind"}),
		writeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "issueflow",
			Subsystem: "workflow",
			Name:      "write_duration_seconds",
			Help:      "Duration of rule write transactions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issueflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, labeled by method and status code",
		}, []string{"method", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "issueflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) RecordCheck(op string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.checks.WithLabelValues(op, outcome).Inc()
}

// StartWrite times a write command; call the returned func with its error.
func (m *Metrics) StartWrite(op string) func(error) {
	if m == nil {
		return func(error) {}
	}
	timer := prometheus.NewTimer(m.writeLatency.WithLabelValues(op))
	return func(err error) {
		timer.ObserveDuration()
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.writes.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) AddRules(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rulesWritten.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(method).Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
