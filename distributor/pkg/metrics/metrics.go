package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ideepx_distributor_build_info",
			Help: "Build information of the weekly distributor",
		},
		[]string{"version", "commit", "date"},
	)

	RunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideepx_distributor_run_total",
			Help: "Total number of pipeline stage runs",
		},
		[]string{"stage", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ideepx_distributor_run_duration_seconds",
			Help:    "Duration of pipeline stage runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s to ~82s
		},
		[]string{"stage"},
	)

	CommissionEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ideepx_distributor_commission_entries_total",
			Help: "Total number of commission entries generated",
		},
	)

	SolvencyRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ideepx_distributor_solvency_ratio_percent",
			Help: "Last computed reserve to liability ratio in percent",
		},
	)

	ProofTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideepx_distributor_proof_transitions_total",
			Help: "Total number of proof state transitions",
		},
		[]string{"to_state", "status"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ideepx_distributor_external_call_duration_seconds",
			Help:    "Duration of calls to ledger, content store and databases",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 0.005s to ~10s
		},
		[]string{"target"},
	)

	SchedulerTickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideepx_distributor_scheduler_tick_total",
			Help: "Total number of scheduled job executions",
		},
		[]string{"job", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideepx_distributor_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "status"},
	)
)
