package ingest

import "github.com/prometheus/client_golang/prometheus"

// Message outcomes.
const (
	statusOK        = "ok"
	statusReplayed  = "replayed"
	statusMalformed = "malformed"
	statusFailed    = "process_error"
	statusSinkError = "sink_error"
	statusRejected  = "rejected"
)

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Messages handled by outcome.",
	}, []string{"status"})

	processingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "txfeatures",
		Subsystem: "ingest",
		Name:      "processing_seconds",
		Help:      "End-to-end handling time per message, including the sink write.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	})

	sinkWriteSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "txfeatures",
		Subsystem: "ingest",
		Name:      "sink_write_seconds",
		Help:      "Sink upsert latency.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	})

	acksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "ingest",
		Name:      "acked_messages_total",
		Help:      "Messages acknowledged to the source.",
	})

	ackErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "ingest",
		Name:      "ack_errors_total",
		Help:      "Failed batch acknowledgments.",
	})

	pendingAcks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "txfeatures",
		Subsystem: "ingest",
		Name:      "pending_acks",
		Help:      "Persisted messages waiting for the next batch acknowledgment.",
	})
)

func init() {
	prometheus.MustRegister(
		messagesTotal,
		processingSeconds,
		sinkWriteSeconds,
		acksTotal,
		ackErrors,
		pendingAcks,
	)
}
