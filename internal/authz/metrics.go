package authz

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects Prometheus collectors for the decision engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMiss     prometheus.Counter
	checkDuration prometheus.Histogram
}

// NewMetrics registers the engine collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_authz_decisions_total",
			Help: "Permission decisions by result and reason.",
		}, []string{"result", "reason"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_authz_cache_hits_total",
			Help: "Decision cache hits.",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_authz_cache_misses_total",
			Help: "Decision cache misses.",
		}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "haven_authz_check_duration_seconds",
			Help:    "Duration in seconds of permission checks.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.decisions, m.cacheHits, m.cacheMiss, m.checkDuration)
	return m
}

func (m *Metrics) observeDecision(d Decision) {
	if m == nil {
		return
	}
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	m.decisions.WithLabelValues(result, d.Reason).Inc()
}

func (m *Metrics) observeCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) observeCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMiss.Inc()
}

func (m *Metrics) observeCheckDuration(seconds float64) {
	if m == nil {
		return
	}
	m.checkDuration.Observe(seconds)
}
