package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/txfeatures/internal/circuitbreaker"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/traces"
	"github.com/mbd888/txfeatures/internal/txn"
)

// Loop defaults.
const (
	DefaultAckBatchSize     = 50
	DefaultMaxErrors        = 100
	DefaultSinkTimeout      = 5 * time.Second
	DefaultProgressInterval = 5 * time.Second

	closeTimeout = 10 * time.Second
)

// LoopConfig tunes acknowledgment batching and the error budget.
type LoopConfig struct {
	// AckBatchSize is how many persisted messages are acknowledged at once.
	AckBatchSize int
	// MaxErrors and MaxConsecutiveErrors bound failures before the loop
	// stops itself. Zero means the default; negative disables the check.
	MaxErrors            int
	MaxConsecutiveErrors int
	SinkTimeout          time.Duration
	ProgressInterval     time.Duration
	// OnAck is called after each successful batch acknowledgment.
	OnAck func(n int)
	// OnRecord is called with each row after the sink accepted it. It runs
	// on the loop goroutine and must not block.
	OnRecord func(rec features.Record)
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.AckBatchSize <= 0 {
		c.AckBatchSize = DefaultAckBatchSize
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = DefaultMaxErrors
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = DefaultMaxErrors
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = DefaultSinkTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithBreakerName names the error budget in metrics.
func WithBreakerName(name string) LoopOption {
	return func(lp *Loop) { lp.breakerName = name }
}

// Stats is a point-in-time view of the loop counters.
type Stats struct {
	Running           bool      `json:"running"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	Processed         int64     `json:"processed"`
	Replayed          int64     `json:"replayed"`
	Malformed         int64     `json:"malformed"`
	ProcessErrors     int64     `json:"process_errors"`
	SinkErrors        int64     `json:"sink_errors"`
	Rejected          int64     `json:"rejected"`
	AckErrors         int64     `json:"ack_errors"`
	Acked             int64     `json:"acked"`
	Pending           int       `json:"pending"`
	LastTransactionID string    `json:"last_transaction_id,omitempty"`
	BudgetState       string    `json:"budget_state"`
	BudgetReason      string    `json:"budget_reason,omitempty"`
}

// Loop consumes a Source until stopped, cancelled or out of error budget.
// A message is acknowledged only after its record was upserted; failures
// are rejected back to the source so at-least-once delivery holds.
type Loop struct {
	src    Source
	sink   Sink
	proc   *Processor
	cfg    LoopConfig
	logger *slog.Logger

	breakerName string
	breaker     *circuitbreaker.Breaker

	stopped   atomic.Bool
	running   atomic.Bool
	closeOnce sync.Once

	processed, replayed, malformed atomic.Int64
	processErrs, sinkErrs, ackErrs atomic.Int64
	rejected, acked                atomic.Int64

	mu        sync.Mutex
	pending   []*Message
	lastTxnID string
	startedAt time.Time

	lastProgress time.Time
}

// NewLoop wires a loop. Run owns src and sink and closes both on exit.
func NewLoop(src Source, sink Sink, proc *Processor, cfg LoopConfig, opts ...LoopOption) *Loop {
	l := &Loop{
		src:         src,
		sink:        sink,
		proc:        proc,
		cfg:         cfg.withDefaults(),
		logger:      slog.Default(),
		breakerName: "ingest",
	}
	for _, opt := range opts {
		opt(l)
	}
	l.breaker = circuitbreaker.New(l.breakerName, l.cfg.MaxErrors, l.cfg.MaxConsecutiveErrors)
	l.breaker.OnTransition(func(from, to circuitbreaker.State) {
		snap := l.breaker.Snapshot()
		l.logger.Error("error budget exhausted, stopping ingestion",
			"from", from.String(), "to", to.String(), "reason", snap.Reason)
	})
	return l
}

// Stop asks the loop to exit after the message in flight.
func (l *Loop) Stop() { l.stopped.Store(true) }

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.running.Load() }

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	pending, last, started := len(l.pending), l.lastTxnID, l.startedAt
	l.mu.Unlock()
	snap := l.breaker.Snapshot()
	return Stats{
		Running:           l.running.Load(),
		StartedAt:         started,
		Processed:         l.processed.Load(),
		Replayed:          l.replayed.Load(),
		Malformed:         l.malformed.Load(),
		ProcessErrors:     l.processErrs.Load(),
		SinkErrors:        l.sinkErrs.Load(),
		Rejected:          l.rejected.Load(),
		AckErrors:         l.ackErrs.Load(),
		Acked:             l.acked.Load(),
		Pending:           pending,
		LastTransactionID: last,
		BudgetState:       snap.State.String(),
		BudgetReason:      snap.Reason,
	}
}

// Run polls until ctx is done, Stop is called or the error budget runs
// out. Pending acknowledgments are flushed and the source and sink closed
// before it returns. It returns ErrErrorBudgetExhausted in the last case
// and nil otherwise.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("ingest: loop already running")
	}
	l.mu.Lock()
	l.startedAt = time.Now()
	l.lastProgress = l.startedAt
	l.mu.Unlock()

	l.logger.Info("ingestion started",
		"ack_batch_size", l.cfg.AckBatchSize,
		"max_errors", l.cfg.MaxErrors,
		"sink_timeout", l.cfg.SinkTimeout)

	ctx = logging.WithLogger(ctx, l.logger)
	defer func() {
		if cerr := l.shutdown(); cerr != nil && err == nil {
			err = cerr
		}
		l.running.Store(false)
	}()

	for !l.stopped.Load() && ctx.Err() == nil {
		if !l.breaker.Allow() {
			return ErrErrorBudgetExhausted
		}

		msg, perr := l.src.Poll(ctx)
		if perr != nil {
			if ctx.Err() != nil || errors.Is(perr, ErrEndOfStream) {
				break
			}
			l.logger.Warn("poll failed", "error", perr)
			l.breaker.RecordFailure()
			continue
		}
		if msg == nil {
			continue
		}
		l.handle(ctx, msg)
	}
	if !l.breaker.Allow() {
		return ErrErrorBudgetExhausted
	}
	return nil
}

func (l *Loop) handle(ctx context.Context, msg *Message) {
	start := time.Now()
	defer func() { processingSeconds.Observe(time.Since(start).Seconds()) }()

	ctx, span := traces.StartSpan(ctx, "ingest.message",
		traces.Partition(msg.Partition),
		traces.Offset(msg.Offset),
	)
	defer span.End()

	res, err := l.proc.Process(ctx, msg.Body)
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, txn.ErrMalformed) {
			l.malformed.Add(1)
			messagesTotal.WithLabelValues(statusMalformed).Inc()
			span.SetAttributes(traces.Status(statusMalformed))
			l.logger.Warn("skipping malformed message",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			l.reject(ctx, msg, false)
		} else {
			l.processErrs.Add(1)
			messagesTotal.WithLabelValues(statusFailed).Inc()
			span.SetAttributes(traces.Status(statusFailed))
			l.logger.Error("processing failed",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			l.reject(ctx, msg, true)
		}
		l.breaker.RecordFailure()
		return
	}

	t := res.Txn
	span.SetAttributes(traces.TransactionID(t.TransactionID), traces.UserID(t.UserID))
	ctx = logging.WithTransaction(ctx, t.TransactionID, t.UserID)

	// The write runs to completion even when shutdown cancels ctx.
	rec := res.Record.Rounded()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SinkTimeout)
	wstart := time.Now()
	err = l.sink.Upsert(wctx, &rec)
	cancel()
	sinkWriteSeconds.Observe(time.Since(wstart).Seconds())
	if errors.Is(err, ErrRecordRejected) {
		l.rejected.Add(1)
		messagesTotal.WithLabelValues(statusRejected).Inc()
		traces.Fail(span, err)
		span.SetAttributes(traces.Status(statusRejected))
		logging.L(ctx).Error("sink rejected record, dropping message",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		l.reject(ctx, msg, false)
		l.breaker.RecordFailure()
		return
	}
	if err != nil {
		l.sinkErrs.Add(1)
		messagesTotal.WithLabelValues(statusSinkError).Inc()
		traces.Fail(span, err)
		span.SetAttributes(traces.Status(statusSinkError))
		logging.L(ctx).Error("sink write failed", "error", err)
		l.reject(ctx, msg, true)
		l.breaker.RecordFailure()
		return
	}

	status := statusOK
	if res.Replayed {
		status = statusReplayed
		l.replayed.Add(1)
	}
	l.processed.Add(1)
	messagesTotal.WithLabelValues(status).Inc()
	span.SetAttributes(traces.Status(status))
	l.breaker.RecordSuccess()
	if l.cfg.OnRecord != nil {
		l.cfg.OnRecord(rec)
	}

	l.mu.Lock()
	l.pending = append(l.pending, msg)
	l.lastTxnID = t.TransactionID
	full := len(l.pending) >= l.cfg.AckBatchSize
	pendingAcks.Set(float64(len(l.pending)))
	l.mu.Unlock()

	if full {
		l.flush(ctx)
	}
}

func (l *Loop) reject(ctx context.Context, msg *Message, requeue bool) {
	if err := l.src.Reject(context.WithoutCancel(ctx), msg, requeue); err != nil {
		l.logger.Warn("reject failed",
			"partition", msg.Partition, "offset", msg.Offset, "requeue", requeue, "error", err)
	}
}

// flush acknowledges everything pending. On failure the batch is kept and
// retried on the next flush.
func (l *Loop) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := l.src.Ack(ctx, batch); err != nil {
		l.ackErrs.Add(1)
		ackErrors.Inc()
		l.logger.Error("acknowledge failed", "messages", len(batch), "error", err)
		l.breaker.RecordFailure()
		return
	}

	l.mu.Lock()
	l.pending = l.pending[len(batch):]
	pendingAcks.Set(float64(len(l.pending)))
	progressDue := time.Since(l.lastProgress) >= l.cfg.ProgressInterval
	if progressDue {
		l.lastProgress = time.Now()
	}
	last := l.lastTxnID
	l.mu.Unlock()

	l.acked.Add(int64(len(batch)))
	acksTotal.Add(float64(len(batch)))
	if l.cfg.OnAck != nil {
		l.cfg.OnAck(len(batch))
	}
	if progressDue {
		l.logger.Info("ingestion progress",
			"processed", l.processed.Load(),
			"acked", l.acked.Load(),
			"errors", l.breaker.Snapshot().Failures,
			"users", l.proc.Store().Count(),
			"last_transaction_id", last)
	}
}

func (l *Loop) shutdown() error {
	var err error
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		l.flush(ctx)

		var errs []error
		if cerr := l.src.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close source: %w", cerr))
		}
		if cerr := l.sink.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", cerr))
		}
		err = errors.Join(errs...)

		st := l.Stats()
		l.logger.Info("ingestion stopped",
			"processed", st.Processed,
			"replayed", st.Replayed,
			"malformed", st.Malformed,
			"sink_errors", st.SinkErrors,
			"rejected", st.Rejected,
			"acked", st.Acked,
			"unacked", st.Pending,
			"uptime", time.Since(st.StartedAt).Round(time.Second))
	})
	return err
}
