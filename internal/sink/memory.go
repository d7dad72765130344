package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/txfeatures/internal/features"
)

// Memory keeps the latest record per transaction. Used by tests and dry
// runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]features.Record
	writes  int64
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]features.Record)}
}

func (m *Memory) Upsert(_ context.Context, rec *features.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.TransactionID] = *rec
	m.writes++
	return nil
}

func (m *Memory) Get(_ context.Context, transactionID string) (*features.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

// Writes returns how many upserts were received, including overwrites.
func (m *Memory) Writes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Records returns every stored record ordered by event time, then id.
func (m *Memory) Records() []features.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]features.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
