// Package circuitbreaker provides a fail-fast error budget. It counts
// failures and trips open once either the cumulative or the consecutive
// count goes over its ceiling. An open breaker stays open; the owner is
// expected to shut down cleanly rather than keep retrying.
package circuitbreaker

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the breaker state.
type State int

const (
	StateClosed State = iota // failures within budget
	StateOpen                // budget exhausted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txfeatures",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Breaker state transitions by breaker name, from-state, and to-state.",
	}, []string{"name", "from_state", "to_state"})

	cbFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "txfeatures",
		Subsystem: "circuitbreaker",
		Name:      "failures",
		Help:      "Failures counted against the budget, by breaker name and kind (total, consecutive).",
	}, []string{"name", "kind"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbFailures)
}

// Snapshot is a copy of the breaker counters.
type Snapshot struct {
	State       State
	Failures    int
	Consecutive int
	Successes   int
	Reason      string
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name           string
	maxTotal       int
	maxConsecutive int

	mu           sync.Mutex
	state        State
	failures     int
	consecutive  int
	successes    int
	reason       string
	onTransition func(from, to State)
}

// New creates a breaker that opens once failures exceed maxTotal or
// consecutive failures exceed maxConsecutive. A ceiling <= 0 disables that
// check.
func New(name string, maxTotal, maxConsecutive int) *Breaker {
	b := &Breaker{name: name, maxTotal: maxTotal, maxConsecutive: maxConsecutive}
	cbFailures.WithLabelValues(name, "total").Set(0)
	cbFailures.WithLabelValues(name, "consecutive").Set(0)
	return b
}

// OnTransition sets a callback invoked synchronously on state changes.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether work may continue.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateClosed
}

// RecordSuccess resets the consecutive failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	b.consecutive = 0
	cbFailures.WithLabelValues(b.name, "consecutive").Set(0)
}

// RecordFailure counts a failure and reports whether the breaker is open
// afterwards.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	b.failures++
	b.consecutive++
	cbFailures.WithLabelValues(b.name, "total").Set(float64(b.failures))
	cbFailures.WithLabelValues(b.name, "consecutive").Set(float64(b.consecutive))

	var fire func(from, to State)
	if b.state == StateClosed {
		switch {
		case b.maxTotal > 0 && b.failures > b.maxTotal:
			b.reason = fmt.Sprintf("%d failures exceed limit of %d", b.failures, b.maxTotal)
		case b.maxConsecutive > 0 && b.consecutive > b.maxConsecutive:
			b.reason = fmt.Sprintf("%d consecutive failures exceed limit of %d", b.consecutive, b.maxConsecutive)
		}
		if b.reason != "" {
			b.state = StateOpen
			cbStateTransitions.WithLabelValues(b.name, StateClosed.String(), StateOpen.String()).Inc()
			fire = b.onTransition
		}
	}
	open := b.state == StateOpen
	b.mu.Unlock()

	if fire != nil {
		fire(StateClosed, StateOpen)
	}
	return open
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		Consecutive: b.consecutive,
		Successes:   b.successes,
		Reason:      b.reason,
	}
}
