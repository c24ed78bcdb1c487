package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain metrics
var (
	requestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_request_transitions_total",
		Help: "Redemption request state transitions, labeled by resulting state",
	}, []string{"state"})

	pointsMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_points_mutations_total",
		Help: "Accepted points mutations, labeled by audit action",
	}, []string{"action"})

	stockMovements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_stock_movements_total",
		Help: "Inventory mutations, labeled by movement kind",
	}, []string{"kind"})

	releaseUnderflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemption_stock_release_underflow_total",
		Help: "Stock releases that would have driven committed stock below zero",
	})

	conflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_conflict_retries_total",
		Help: "Sub-transactions retried after a version conflict",
	}, []string{"op"})
)
