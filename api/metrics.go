/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Counters and histograms for the transaction pipeline and the issuance
  dispatcher, registered via promauto and exposed on /metrics.
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_transactions_total",
		Help: "Transactions processed, by campaign and outcome",
	}, []string{"campaign", "outcome"})

	txLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loyalty_transaction_duration_seconds",
		Help:    "Transaction processing latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"campaign"})

	refundNotRecouped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_refund_not_recouped_total",
		Help: "Refund value the program absorbed because nothing was left to reclaim",
	}, []string{"campaign"})

	rewardsConverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_rewards_converted_total",
		Help: "Pending reward units converted into issuance tasks",
	}, []string{"campaign"})

	issuanceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_issuance_tasks_total",
		Help: "Issuance task executions, by terminal label",
	}, []string{"outcome"})
)
