package statestore

import "github.com/prometheus/client_golang/prometheus"

var (
	usersTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "txfeatures",
		Subsystem: "statestore",
		Name:      "users_tracked",
		Help:      "Number of users currently held in memory.",
	})

	usersEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "statestore",
		Name:      "users_evicted_total",
		Help:      "Users dropped from the store, by reason (capacity, stale).",
	}, []string{"reason"})

	maintenanceRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "statestore",
		Name:      "maintenance_runs_total",
		Help:      "Completed retention pruning passes.",
	})

	maintenanceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "txfeatures",
		Subsystem: "statestore",
		Name:      "maintenance_duration_seconds",
		Help:      "Duration of retention pruning passes in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	transactionsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "statestore",
		Name:      "transactions_pruned_total",
		Help:      "Window entries removed for falling outside the retention window.",
	})

	duplicateTransactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "statestore",
		Name:      "duplicate_transactions_total",
		Help:      "Transactions not folded because the window already held them.",
	})
)

func init() {
	prometheus.MustRegister(
		usersTracked,
		usersEvicted,
		maintenanceRuns,
		maintenanceDuration,
		transactionsPruned,
		duplicateTransactions,
	)
}
