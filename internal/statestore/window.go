package statestore

import (
	"time"

	"github.com/mbd888/txfeatures/internal/txn"
)

// Entry is the slice of a transaction a window keeps for feature queries.
// Seq is the per-user fold order, independent of EventTime.
type Entry struct {
	TransactionID string
	Amount        float64
	EventTime     time.Time
	Country       string
	MerchantID    string
	Channel       txn.Channel
	DeviceID      *string
	Seq           uint64
}

type insertResult int

const (
	inserted insertResult = iota
	duplicate
	tooOld // window full and older than everything in it
)

// window is a fixed-capacity ring buffer ordered by EventTime. The backing
// array is allocated once; head indexes the oldest entry.
type window struct {
	buf  []Entry
	head int
	size int
	ids  map[string]uint64 // transaction id -> Seq, for entries currently held
}

func newWindow(capacity int) *window {
	return &window{
		buf: make([]Entry, capacity),
		ids: make(map[string]uint64),
	}
}

func (w *window) len() int { return w.size }

func (w *window) at(i int) *Entry {
	return &w.buf[(w.head+i)%len(w.buf)]
}

func (w *window) contains(id string) (uint64, bool) {
	seq, ok := w.ids[id]
	return seq, ok
}

// insert places e at its ordered position. Entries with equal EventTime keep
// arrival order. When full, the oldest entry is overwritten and returned.
func (w *window) insert(e Entry) (insertResult, *Entry) {
	if _, ok := w.ids[e.TransactionID]; ok {
		return duplicate, nil
	}
	full := w.size == len(w.buf)
	if full && e.EventTime.Before(w.at(0).EventTime) {
		return tooOld, nil
	}

	pos := w.size
	for pos > 0 && w.at(pos-1).EventTime.After(e.EventTime) {
		pos--
	}

	var evicted *Entry
	if full {
		old := *w.at(0)
		evicted = &old
		delete(w.ids, old.TransactionID)
		w.buf[w.head] = Entry{}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
		pos--
	}

	for i := w.size; i > pos; i-- {
		*w.at(i) = *w.at(i - 1)
	}
	*w.at(pos) = e
	w.size++
	w.ids[e.TransactionID] = e.Seq
	return inserted, evicted
}

// pruneBefore drops every entry with EventTime < cutoff and returns how many
// were removed.
func (w *window) pruneBefore(cutoff time.Time) int {
	n := 0
	for w.size > 0 && w.at(0).EventTime.Before(cutoff) {
		delete(w.ids, w.at(0).TransactionID)
		w.buf[w.head] = Entry{}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
		n++
	}
	if w.size == 0 {
		w.head = 0
	}
	return n
}

// snapshot copies the held entries, oldest first. keep filters by entry; nil
// keeps everything.
func (w *window) snapshot(keep func(*Entry) bool) []Entry {
	out := make([]Entry, 0, w.size)
	for i := 0; i < w.size; i++ {
		e := w.at(i)
		if keep != nil && !keep(e) {
			continue
		}
		c := *e
		if e.DeviceID != nil {
			d := *e.DeviceID
			c.DeviceID = &d
		}
		out = append(out, c)
	}
	return out
}

// newest returns the most recent entry, or nil when empty.
func (w *window) newest() *Entry {
	if w.size == 0 {
		return nil
	}
	return w.at(w.size - 1)
}

// modeCountry returns the most frequent country among entries. Ties go to
// the country seen most recently.
func modeCountry(entries func(yield func(*Entry) bool)) (string, bool) {
	counts := make(map[string]int)
	lastPos := make(map[string]int)
	pos := 0
	entries(func(e *Entry) bool {
		counts[e.Country]++
		lastPos[e.Country] = pos
		pos++
		return true
	})
	best, bestCount, bestPos := "", 0, -1
	for c, n := range counts {
		if n > bestCount || (n == bestCount && lastPos[c] > bestPos) {
			best, bestCount, bestPos = c, n, lastPos[c]
		}
	}
	return best, bestCount > 0
}

// all iterates the window oldest first.
func (w *window) all(yield func(*Entry) bool) {
	for i := 0; i < w.size; i++ {
		if !yield(w.at(i)) {
			return
		}
	}
}
