// Package statestore holds per-user transaction history in memory: a bounded
// time-ordered window per user plus the running facts derived from it.
//
// The user map is split into shards, each behind its own mutex, so work on
// different users does not serialize. Capacity eviction and retention
// pruning visit shards one at a time and never hold two shard locks at once.
package statestore

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/txfeatures/internal/syncutil"
	"github.com/mbd888/txfeatures/internal/txn"
)

const (
	DefaultHistoryCapacity     = 500
	DefaultMaxUsers            = 100_000
	DefaultEvictionBatch       = 1_000
	DefaultRetentionWindow     = 7 * 24 * time.Hour
	DefaultMaintenanceInterval = 10 * time.Minute
	DefaultShards              = 64
)

// Config bounds the store. Zero values fall back to the defaults above.
type Config struct {
	HistoryCapacity     int
	MaxUsers            int
	EvictionBatch       int
	RetentionWindow     time.Duration
	MaintenanceInterval time.Duration
	Shards              int

	// PruneByEventTime measures retention from the newest event time folded
	// so far instead of the wall clock. Replays of old data need this, or
	// every user would be pruned on the first pass.
	PruneByEventTime bool
}

func (c Config) withDefaults() Config {
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = DefaultHistoryCapacity
	}
	if c.MaxUsers <= 0 {
		c.MaxUsers = DefaultMaxUsers
	}
	if c.EvictionBatch <= 0 {
		c.EvictionBatch = DefaultEvictionBatch
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	return c
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for maintenance scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for eviction and maintenance reports.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// MaintenanceResult summarizes one retention pass.
type MaintenanceResult struct {
	Cutoff        time.Time
	EntriesPruned int
	UsersRemoved  int
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userState
}

// Store maps user ids to their history. Safe for concurrent use.
type Store struct {
	cfg    Config
	shards []*shard
	now    func() time.Time
	logger *slog.Logger

	users atomic.Int64

	// createMu serializes the insert-new-user path so the capacity check
	// and the insert are atomic with respect to other creators.
	createMu sync.Mutex

	lastMaintenance atomic.Int64 // unix nanos
	watermark       atomic.Int64 // newest folded event time, unix nanos
}

// New creates an empty store.
func New(cfg Config, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		now:    time.Now,
		logger: slog.Default(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{users: make(map[string]*userState)}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastMaintenance.Store(s.now().UnixNano())
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) shardFor(userID string) *shard {
	return s.shards[syncutil.ShardIndex(userID, len(s.shards))]
}

// GetOrCreate returns a copy of the user's current state, creating an empty
// entry first if the user is unknown. Creating may evict a batch of the
// least recently active users; it never fails.
func (s *Store) GetOrCreate(userID string) View {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	if st, ok := sh.users[userID]; ok {
		v := st.view(userID)
		sh.mu.Unlock()
		return v
	}
	sh.mu.Unlock()

	return s.create(userID, func(st *userState) View { return st.view(userID) })
}

// ViewAsOf returns the state as it was immediately before transactionID was
// folded, if the user still remembers that transaction. Reprocessing a
// redelivered transaction against this view reproduces its features.
func (s *Store) ViewAsOf(userID, transactionID string) (View, bool) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.users[userID]
	if !ok {
		return View{}, false
	}
	seq, ok := st.seqOf(transactionID)
	if !ok {
		return View{}, false
	}
	return st.viewBefore(userID, seq), true
}

// create inserts userID if still absent and runs fn on its state under the
// shard lock.
func (s *Store) create(userID string, fn func(*userState) View) View {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	sh := s.shardFor(userID)
	sh.mu.Lock()
	if st, ok := sh.users[userID]; ok {
		v := fn(st)
		sh.mu.Unlock()
		return v
	}
	sh.mu.Unlock()

	if int(s.users.Load()) >= s.cfg.MaxUsers {
		s.evict()
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := newUserState(s.cfg.HistoryCapacity)
	sh.users[userID] = st
	usersTracked.Set(float64(s.users.Add(1)))
	return fn(st)
}

// RecordTransaction folds t into the user's history and returns the updated
// aggregate. The bool is false when the window already held t, in which case
// nothing changed. Also runs the retention pass when it is due.
func (s *Store) RecordTransaction(userID string, t *txn.Transaction) (Aggregate, bool) {
	var (
		agg    Aggregate
		folded bool
	)
	apply := func(st *userState) View {
		res, _ := st.fold(t)
		folded = res != duplicate
		agg = st.aggregate()
		return View{}
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	if st, ok := sh.users[userID]; ok {
		apply(st)
		sh.mu.Unlock()
	} else {
		sh.mu.Unlock()
		s.create(userID, apply)
	}

	if folded {
		s.advanceWatermark(t.EventTime)
	} else {
		duplicateTransactions.Inc()
	}
	s.maybeMaintain()
	return agg, folded
}

func (s *Store) advanceWatermark(ts time.Time) {
	n := ts.UnixNano()
	for {
		cur := s.watermark.Load()
		if n <= cur || s.watermark.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *Store) referenceTime() time.Time {
	if s.cfg.PruneByEventTime {
		if w := s.watermark.Load(); w != 0 {
			return time.Unix(0, w).UTC()
		}
	}
	return s.now().UTC()
}

// maybeMaintain runs Maintain if the interval has elapsed. Only one caller
// wins the slot when several race.
func (s *Store) maybeMaintain() {
	now := s.now().UnixNano()
	last := s.lastMaintenance.Load()
	if now-last < int64(s.cfg.MaintenanceInterval) {
		return
	}
	if !s.lastMaintenance.CompareAndSwap(last, now) {
		return
	}
	s.Maintain(s.referenceTime())
}

// MaintenanceDue reports whether the retention pass would run on the next
// recorded transaction.
func (s *Store) MaintenanceDue() bool {
	return s.now().UnixNano()-s.lastMaintenance.Load() >= int64(s.cfg.MaintenanceInterval)
}

// Maintain drops window entries older than the retention window measured
// back from now, then drops users left with an empty window.
func (s *Store) Maintain(now time.Time) MaintenanceResult {
	start := time.Now()
	res := MaintenanceResult{Cutoff: now.Add(-s.cfg.RetentionWindow)}

	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, st := range sh.users {
			if n := st.window.pruneBefore(res.Cutoff); n > 0 {
				res.EntriesPruned += n
				st.refreshHome()
			}
			st.pruneLateBefore(res.Cutoff)
			if st.window.len() == 0 {
				delete(sh.users, id)
				s.users.Add(-1)
				res.UsersRemoved++
			}
		}
		sh.mu.Unlock()
	}

	usersTracked.Set(float64(s.users.Load()))
	maintenanceRuns.Inc()
	maintenanceDuration.Observe(time.Since(start).Seconds())
	transactionsPruned.Add(float64(res.EntriesPruned))
	usersEvicted.WithLabelValues("stale").Add(float64(res.UsersRemoved))

	if res.UsersRemoved > 0 || res.EntriesPruned > 0 {
		s.logger.Info("state store maintenance",
			"cutoff", res.Cutoff,
			"entries_pruned", res.EntriesPruned,
			"users_removed", res.UsersRemoved,
			"users_remaining", s.users.Load(),
		)
	}
	return res
}

type evictCandidate struct {
	userID string
	last   time.Time
	active bool
	shard  *shard
}

// evict removes up to EvictionBatch of the least recently active users.
// Users without a recorded transaction go first. Caller holds createMu.
func (s *Store) evict() {
	var candidates []evictCandidate
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, st := range sh.users {
			last, ok := st.lastActive()
			candidates = append(candidates, evictCandidate{userID: id, last: last, active: ok, shard: sh})
		}
		sh.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.active != b.active {
			return !a.active
		}
		if !a.last.Equal(b.last) {
			return a.last.Before(b.last)
		}
		return a.userID < b.userID
	})

	batch := s.cfg.EvictionBatch
	if batch > len(candidates) {
		batch = len(candidates)
	}
	removed := 0
	for _, c := range candidates[:batch] {
		c.shard.mu.Lock()
		if _, ok := c.shard.users[c.userID]; ok {
			delete(c.shard.users, c.userID)
			s.users.Add(-1)
			removed++
		}
		c.shard.mu.Unlock()
	}

	usersTracked.Set(float64(s.users.Load()))
	usersEvicted.WithLabelValues("capacity").Add(float64(removed))
	s.logger.Info("evicted least recently active users",
		"evicted", removed,
		"remaining", s.users.Load(),
		"max_users", s.cfg.MaxUsers,
	)
}

// Count returns the number of tracked users.
func (s *Store) Count() int {
	return int(s.users.Load())
}
