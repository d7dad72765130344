package statestore

import (
	"time"

	"github.com/mbd888/txfeatures/internal/txn"
)

// Aggregate is a point-in-time copy of the running facts kept for one user.
type Aggregate struct {
	LastTxnTime    *time.Time
	LastCountry    *string
	LastDeviceID   *string
	HomeCountry    *string
	KnownMerchants int
	WindowLen      int
}

// userState pairs a user's window with the facts derived from it. Guarded by
// the owning shard's mutex.
type userState struct {
	window *window

	lastTxnTime  *time.Time
	lastCountry  *string
	lastDeviceID *string
	homeCountry  *string

	// merchant id -> Seq of the fold that first saw it
	knownMerchants map[string]uint64
	nextSeq        uint64

	// Folds too old to enter a full window, so redeliveries are still
	// recognised. Bounded by the window capacity, oldest fold dropped first.
	late      map[string]lateFold
	lateOrder []string
}

type lateFold struct {
	seq       uint64
	eventTime time.Time
}

func newUserState(capacity int) *userState {
	return &userState{
		window:         newWindow(capacity),
		knownMerchants: make(map[string]uint64),
		late:           make(map[string]lateFold),
	}
}

// seqOf returns the fold number of a transaction the user still remembers,
// whether it sits in the window or was too old to enter it.
func (u *userState) seqOf(id string) (uint64, bool) {
	if seq, ok := u.window.contains(id); ok {
		return seq, true
	}
	lf, ok := u.late[id]
	return lf.seq, ok
}

func (u *userState) rememberLate(id string, seq uint64, at time.Time) {
	if len(u.lateOrder) >= len(u.window.buf) {
		delete(u.late, u.lateOrder[0])
		u.lateOrder = u.lateOrder[1:]
	}
	u.late[id] = lateFold{seq: seq, eventTime: at}
	u.lateOrder = append(u.lateOrder, id)
}

// pruneLateBefore forgets late folds with EventTime < cutoff.
func (u *userState) pruneLateBefore(cutoff time.Time) {
	kept := u.lateOrder[:0]
	for _, id := range u.lateOrder {
		if u.late[id].eventTime.Before(cutoff) {
			delete(u.late, id)
			continue
		}
		kept = append(kept, id)
	}
	u.lateOrder = kept
}

// fold records t. It reports duplicate for a transaction already held in
// the window or remembered as a late fold. A late event too old to fit in a
// full window still counts toward known merchants.
func (u *userState) fold(t *txn.Transaction) (res insertResult, evicted *Entry) {
	if _, ok := u.seqOf(t.TransactionID); ok {
		return duplicate, nil
	}
	u.nextSeq++
	seq := u.nextSeq

	e := Entry{
		TransactionID: t.TransactionID,
		Amount:        t.Amount,
		EventTime:     t.EventTime,
		Country:       t.Country,
		MerchantID:    t.MerchantID,
		Channel:       t.Channel,
		DeviceID:      copyString(t.DeviceID),
		Seq:           seq,
	}
	res, evicted = u.window.insert(e)
	if res == tooOld {
		u.rememberLate(t.TransactionID, seq, t.EventTime)
	}

	if _, ok := u.knownMerchants[t.MerchantID]; !ok {
		u.knownMerchants[t.MerchantID] = seq
	}
	if u.lastTxnTime == nil || !t.EventTime.Before(*u.lastTxnTime) {
		ts := t.EventTime
		country := t.Country
		u.lastTxnTime = &ts
		u.lastCountry = &country
		u.lastDeviceID = copyString(t.DeviceID)
	}
	if res == inserted {
		u.refreshHome()
	}
	return res, evicted
}

func (u *userState) refreshHome() {
	if c, ok := modeCountry(u.window.all); ok {
		u.homeCountry = &c
		return
	}
	u.homeCountry = nil
}

func (u *userState) aggregate() Aggregate {
	return Aggregate{
		LastTxnTime:    copyTime(u.lastTxnTime),
		LastCountry:    copyString(u.lastCountry),
		LastDeviceID:   copyString(u.lastDeviceID),
		HomeCountry:    copyString(u.homeCountry),
		KnownMerchants: len(u.knownMerchants),
		WindowLen:      u.window.len(),
	}
}

// lastActive orders users for capacity eviction. Users that never recorded a
// transaction report ok=false.
func (u *userState) lastActive() (time.Time, bool) {
	if u.lastTxnTime == nil {
		return time.Time{}, false
	}
	return *u.lastTxnTime, true
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
