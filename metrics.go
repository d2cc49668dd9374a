package memolock

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// outcome labels recorded by MetricSet.Outcome, covering the lock/wait/fetch
// states a Get call can resolve through.
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeFetched     = "fetched"
	OutcomeWaited      = "waited"
	OutcomeTimedOut    = "timed_out"
	OutcomeRetried     = "retried"
	OutcomeExhausted   = "max_attempts_exhausted"
	OutcomeFetchFailed = "fetch_failed"
)

var outcomeLabels = []string{"outcome"}

// latencyBuckets in milliseconds.
var latencyBuckets = []float64{
	1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096,
}

// MetricSet bundles the prometheus collectors a Client/CacheService emits into:
// an Outcome counter, a Latency histogram, and an Errors counter.
type MetricSet struct {
	Outcome *prometheus.CounterVec
	Latency *prometheus.HistogramVec
	Errors  *prometheus.CounterVec
}

// NewMetricSet builds (but does not register) a MetricSet namespaced under ns.
func NewMetricSet(ns string) *MetricSet {
	return &MetricSet{
		Outcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_outcome_total", ns),
			Help: "memolock Get outcomes by type: cache_hit, fetched, waited, timed_out, retried, max_attempts_exhausted, fetch_failed.",
		}, outcomeLabels),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_latency_ms", ns),
			Help:    "memolock Get latency in milliseconds, by outcome.",
			Buckets: latencyBuckets,
		}, outcomeLabels),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_background_error_total", ns),
			Help: "memolock best-effort cleanup errors (lock DEL, unsubscribe) that never reach a caller.",
		}, []string{"when"}),
	}
}

// Register registers every collector in m with prometheus's default registerer,
// logging (not panicking) on failure.
func (m *MetricSet) Register() {
	if err := prometheus.Register(m.Outcome); err != nil {
		log.Err(err).Msg("memolock: failed to register outcome counter")
	}
	if err := prometheus.Register(m.Latency); err != nil {
		log.Err(err).Msg("memolock: failed to register latency histogram")
	}
	if err := prometheus.Register(m.Errors); err != nil {
		log.Err(err).Msg("memolock: failed to register error counter")
	}
}

// Unregister removes every collector in m.
func (m *MetricSet) Unregister() {
	prometheus.Unregister(m.Outcome)
	prometheus.Unregister(m.Latency)
	prometheus.Unregister(m.Errors)
}

func (m *MetricSet) observe(outcome string, startedAt time.Time) {
	if m == nil {
		return
	}
	m.Outcome.WithLabelValues(outcome).Inc()
	m.Latency.WithLabelValues(outcome).Observe(float64(time.Since(startedAt).Milliseconds()))
}

func (m *MetricSet) observeError(when string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(when).Inc()
}
