// Package monitor exposes prometheus collectors for sweep progress.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sweep metrics
	PointsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_points_total",
		Help: "Total number of configuration points evaluated",
	}, []string{"method", "status"})

	BetaPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_beta_passes_total",
		Help: "Total number of outer beta passes",
	}, []string{"status"})

	// Stage metrics
	FitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_fit_duration_seconds",
		Help:    "Duration of the expensive one-time stages",
		Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"stage"})

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_query_duration_seconds",
		Help:    "Duration of cheap per-k queries over a cached neighbor ordering",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	NeighborSearches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_neighbor_searches_total",
		Help: "Total number of full neighbor searches over a query set",
	})

	// Vote cache metrics
	VoteCacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_vote_cache_operations_total",
		Help: "Per-k prediction cache lookups",
	}, []string{"result"})

	// Publisher metrics
	PublishOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_publish_operations_total",
		Help: "Total number of report publish operations",
	}, []string{"sink", "status"})
)
