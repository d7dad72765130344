package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(time.Second)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RegisterPing("sink", func(context.Context) error { return nil })
	r.RegisterPing("source", func(context.Context) error { return errors.New("broker unreachable") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "sink" || !statuses[0].Healthy {
		t.Errorf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Name != "source" || statuses[1].Healthy || statuses[1].Detail != "broker unreachable" {
		t.Errorf("unexpected second status %+v", statuses[1])
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		time.Sleep(200 * time.Millisecond)
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out check must be unhealthy")
	}
	if statuses[0].Name != "slow" || statuses[0].Detail != "check timed out" {
		t.Errorf("unexpected status %+v", statuses[0])
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("CheckAll waited for the slow checker")
	}
}

func TestRegistryPanicIsUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("boom", func(context.Context) Status { panic("bad") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy || statuses[0].Healthy {
		t.Fatal("panicking check must be unhealthy")
	}
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("loop", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "loop" {
		t.Fatalf("expected name filled in, got %q", statuses[0].Name)
	}
}
