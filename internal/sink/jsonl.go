package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mbd888/txfeatures/internal/features"
)

// JSONLines writes each record as one JSON object per line. It does not
// deduplicate; a replayed transaction is written again.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewJSONLines writes to w. Close flushes w when it buffers but never
// closes it.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w), w: w}
}

func (j *JSONLines) Upsert(_ context.Context, rec *features.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode %s: %w", rec.TransactionID, err)
	}
	return nil
}

func (j *JSONLines) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if f, ok := j.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
