package features

import "github.com/prometheus/client_golang/prometheus"

var computeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "txfeatures",
	Subsystem: "features",
	Name:      "compute_duration_seconds",
	Help:      "Time spent computing one feature row.",
	Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
})

func init() {
	prometheus.MustRegister(computeDuration)
}
