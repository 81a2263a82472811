package kpicache

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes cache behaviour. A nil *Metrics records nothing.
type Metrics struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	compute  *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewMetrics registers the cache collectors on reg. Collectors already
// registered by another cache instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_cache_hits_total",
			Help: "Number of KPI cache hits by tier.",
		}, []string{"tier", "kpi"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_cache_miss_total",
			Help: "Number of KPI cache misses that triggered a computation.",
		}, []string{"kpi"}),
		compute: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kpi_compute_duration_seconds",
			Help:    "Duration of KPI computations behind the cache.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kpi"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_compute_errors_total",
			Help: "Number of failed KPI computations.",
		}, []string{"kpi"}),
	}
	var err error
	if m.hits, err = registerCounter(reg, m.hits); err != nil {
		return nil, err
	}
	if m.misses, err = registerCounter(reg, m.misses); err != nil {
		return nil, err
	}
	if m.failures, err = registerCounter(reg, m.failures); err != nil {
		return nil, err
	}
	if err := reg.Register(m.compute); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("kpicache metrics: unexpected collector type %T", already.ExistingCollector)
		}
		m.compute = existing
	}
	return m, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("kpicache metrics: unexpected collector type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

func (m *Metrics) hit(tier, kpi string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(tier, kpi).Inc()
}

func (m *Metrics) miss(kpi string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(kpi).Inc()
}

func (m *Metrics) observe(kpi string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.compute.WithLabelValues(kpi).Observe(d.Seconds())
	if err != nil {
		m.failures.WithLabelValues(kpi).Inc()
	}
}
