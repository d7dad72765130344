package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the retention pass on a fixed interval so an idle instance
// still sheds stale users. RecordTransaction covers the busy case.
type Timer struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a maintenance timer ticking at the store's configured
// maintenance interval.
func NewTimer(store *Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		interval: store.cfg.MaintenanceInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun()
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in state store maintenance", "panic", fmt.Sprint(r))
		}
	}()
	if t.store.MaintenanceDue() {
		t.store.maybeMaintain()
	}
}
