// Package metrics defines the Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the policy engine.
// Pass to components that need to record metrics.
type Metrics struct {
	// Evaluations counts checkpoint evaluations by checkpoint and result.
	Evaluations *prometheus.CounterVec
	// DecisionDropsTotal counts decision records dropped under backpressure.
	DecisionDropsTotal prometheus.Counter
	// DecisionWriteErrorsTotal counts swallowed decision-log write failures,
	// so operators can detect silent audit gaps.
	DecisionWriteErrorsTotal prometheus.Counter
	// PackUpdatesTotal counts pack version bumps.
	PackUpdatesTotal prometheus.Counter
	// CacheHits and CacheMisses track the evaluation result cache.
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Evaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "evaluations_total",
				Help:      "Total checkpoint policy evaluations",
			},
			[]string{"checkpoint", "result"}, // result=allow/deny
		),
		DecisionDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "decision_drops_total",
				Help:      "Total decision records dropped due to backpressure",
			},
		),
		DecisionWriteErrorsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "decision_write_errors_total",
				Help:      "Total decision log write failures (swallowed, never propagated)",
			},
		),
		PackUpdatesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "pack_updates_total",
				Help:      "Total policy pack version bumps",
			},
		),
		CacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "evaluation_cache_hits_total",
				Help:      "Evaluation result cache hits",
			},
		),
		CacheMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "evaluation_cache_misses_total",
				Help:      "Evaluation result cache misses",
			},
		),
	}
}

// NewNop creates metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
