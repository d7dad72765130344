// Package ingest drives transactions from an event source through the state
// store and feature calculator into a sink, acknowledging the source in
// batches only after records are durably written.
package ingest

import (
	"context"
	"errors"

	"github.com/mbd888/txfeatures/internal/features"
)

// ErrErrorBudgetExhausted is returned by Run when failures went past the
// configured ceiling and the loop shut itself down.
var ErrErrorBudgetExhausted = errors.New("ingest: error budget exhausted")

// ErrEndOfStream is returned by a finite Source's Poll once every message
// was delivered. Run treats it as a normal stop.
var ErrEndOfStream = errors.New("ingest: end of stream")

// ErrRecordRejected is wrapped by sinks for writes that can never succeed,
// such as a value the backend cannot represent. Retrying would fail the same
// way, so the loop drops the message instead of requeueing it.
var ErrRecordRejected = errors.New("ingest: record rejected by sink")

// Message is one delivery from a Source. Handle is private to the source
// that produced it and is passed back on Ack and Reject.
type Message struct {
	Body      []byte
	Key       string
	Partition int32
	Offset    int64
	Handle    any
}

// Source delivers transaction events at least once.
type Source interface {
	// Poll waits a bounded time for the next message. It returns nil, nil
	// when nothing arrived in time.
	Poll(ctx context.Context) (*Message, error)
	// Ack durably acknowledges a batch so none of it is delivered again.
	Ack(ctx context.Context, msgs []*Message) error
	// Reject gives a message back. With requeue it is delivered again;
	// without it the source drops it.
	Reject(ctx context.Context, msg *Message, requeue bool) error
	Close() error
}

// Sink persists feature records. Upsert must be idempotent per
// transaction id.
type Sink interface {
	Upsert(ctx context.Context, rec *features.Record) error
	Close() error
}
