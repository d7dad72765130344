package ingest

import (
	"context"
	"fmt"

	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/statestore"
	"github.com/mbd888/txfeatures/internal/syncutil"
	"github.com/mbd888/txfeatures/internal/txn"
)

// Result is the outcome of processing one message.
type Result struct {
	Txn    *txn.Transaction
	Record *features.Record
	// Replayed is set when the transaction was already folded into the
	// user's history and its features were recomputed from the state just
	// before it.
	Replayed bool
}

// Processor turns one raw event into a feature record and folds the
// transaction into the store. Compute and fold are atomic per user.
type Processor struct {
	store *statestore.Store
	calc  *features.Calculator
	locks *syncutil.KeyLock
}

// NewProcessor creates a processor over store and calc.
func NewProcessor(store *statestore.Store, calc *features.Calculator) *Processor {
	return &Processor{
		store: store,
		calc:  calc,
		locks: syncutil.NewKeyLock(syncutil.DefaultShards),
	}
}

// Store returns the state store the processor folds into.
func (p *Processor) Store() *statestore.Store { return p.store }

// Process decodes body, computes features against the user's prior state
// and then records the transaction. Decode and validation failures wrap
// txn.ErrMalformed and leave the store untouched.
func (p *Processor) Process(ctx context.Context, body []byte) (*Result, error) {
	t, err := txn.Decode(body)
	if err != nil {
		return nil, err
	}
	return p.ProcessTransaction(ctx, t)
}

// ProcessTransaction is Process for an already decoded transaction.
func (p *Processor) ProcessTransaction(ctx context.Context, t *txn.Transaction) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	unlock, err := p.locks.LockContext(ctx, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", t.UserID, err)
	}
	defer unlock()

	res := &Result{Txn: t}
	view, replayed := p.store.ViewAsOf(t.UserID, t.TransactionID)
	if !replayed {
		view = p.store.GetOrCreate(t.UserID)
	}
	res.Replayed = replayed

	rec, err := p.calc.Compute(t, view)
	if err != nil {
		return nil, err
	}
	res.Record = rec

	// Must follow Compute: the row may never see its own transaction.
	p.store.RecordTransaction(t.UserID, t)
	return res, nil
}
