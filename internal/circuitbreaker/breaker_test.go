package circuitbreaker

import (
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New("t-closed", 3, 3)
	if !b.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
}

func TestBreaker_TripsOnConsecutive(t *testing.T) {
	b := New("t-consecutive", 100, 3)

	for i := 0; i < 3; i++ {
		if b.RecordFailure() {
			t.Fatalf("tripped after %d failures, limit is exceeded only past 3", i+1)
		}
	}
	if !b.RecordFailure() {
		t.Fatal("expected open after 4 consecutive failures")
	}
	if b.Allow() {
		t.Fatal("open breaker must not allow")
	}
	if s := b.Snapshot(); s.Reason == "" || s.Consecutive != 4 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestBreaker_SuccessResetsConsecutiveOnly(t *testing.T) {
	b := New("t-total", 5, 2)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatal("interleaved failures within total budget must stay closed")
	}
	if !b.RecordFailure() {
		t.Fatal("sixth failure exceeds total budget of 5")
	}
	s := b.Snapshot()
	if s.Failures != 6 || s.Successes != 5 || s.Consecutive != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestBreaker_StaysOpen(t *testing.T) {
	b := New("t-sticky", 1, 0)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.State() != StateOpen {
		t.Fatal("breaker must stay open after a success")
	}
}

func TestBreaker_DisabledCeilings(t *testing.T) {
	b := New("t-disabled", 0, 0)
	for i := 0; i < 1000; i++ {
		if b.RecordFailure() {
			t.Fatal("no ceiling configured, must never trip")
		}
	}
}

func TestBreaker_TransitionCallbackAndMetric(t *testing.T) {
	b := New("t-callback", 1, 0)

	var mu sync.Mutex
	var got []State
	b.OnTransition(func(from, to State) {
		mu.Lock()
		got = append(got, from, to)
		mu.Unlock()
	})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != StateClosed || got[1] != StateOpen {
		t.Fatalf("expected one closed->open transition, got %v", got)
	}

	m := &dto.Metric{}
	if err := cbStateTransitions.WithLabelValues("t-callback", "closed", "open").Write(m); err != nil {
		t.Fatal(err)
	}
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Fatalf("expected 1 transition recorded, got %v", v)
	}
}

func TestState_String(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || State(9).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
