package statestore

import (
	"math"
	"time"
)

// View is a read-only copy of one user's state at a point in time. It shares
// no memory with the store, so it stays valid after the user is updated,
// pruned or evicted.
type View struct {
	UserID string

	entries      []Entry
	merchants    map[string]struct{}
	lastTxnTime  *time.Time
	lastCountry  *string
	lastDeviceID *string
	homeCountry  *string
}

func (u *userState) view(userID string) View {
	merchants := make(map[string]struct{}, len(u.knownMerchants))
	for m := range u.knownMerchants {
		merchants[m] = struct{}{}
	}
	return View{
		UserID:       userID,
		entries:      u.window.snapshot(nil),
		merchants:    merchants,
		lastTxnTime:  copyTime(u.lastTxnTime),
		lastCountry:  copyString(u.lastCountry),
		lastDeviceID: copyString(u.lastDeviceID),
		homeCountry:  copyString(u.homeCountry),
	}
}

// viewBefore rebuilds the view as it stood just before the fold numbered seq.
// Entries already lost to capacity or pruning cannot be recovered.
func (u *userState) viewBefore(userID string, seq uint64) View {
	entries := u.window.snapshot(func(e *Entry) bool { return e.Seq < seq })
	merchants := make(map[string]struct{})
	for m, first := range u.knownMerchants {
		if first < seq {
			merchants[m] = struct{}{}
		}
	}
	v := View{UserID: userID, entries: entries, merchants: merchants}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		ts := last.EventTime
		country := last.Country
		v.lastTxnTime = &ts
		v.lastCountry = &country
		v.lastDeviceID = copyString(last.DeviceID)
		if c, ok := modeCountry(func(yield func(*Entry) bool) {
			for i := range entries {
				if !yield(&entries[i]) {
					return
				}
			}
		}); ok {
			v.homeCountry = &c
		}
	}
	return v
}

// Len returns the number of entries in the window.
func (v View) Len() int { return len(v.entries) }

// Entries returns a copy of the window, oldest first.
func (v View) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

func (v View) LastTxnTime() *time.Time { return copyTime(v.lastTxnTime) }
func (v View) LastCountry() *string { return copyString(v.lastCountry) }
func (v View) LastDeviceID() *string { return copyString(v.lastDeviceID) }
func (v View) HomeCountry() *string { return copyString(v.homeCountry) }

// IsMerchantFirstTime reports whether merchantID has never been seen for the
// user.
func (v View) IsMerchantFirstTime(merchantID string) bool {
	_, ok := v.merchants[merchantID]
	return !ok
}

// inWindow reports whether e falls in the trailing interval [at-d, at].
// Entries after at can only be late arrivals folded earlier; they are not
// history relative to at.
func inWindow(e *Entry, d time.Duration, at time.Time) bool {
	return !e.EventTime.Before(at.Add(-d)) && !e.EventTime.After(at)
}

// TxnCount counts entries within d before at.
func (v View) TxnCount(d time.Duration, at time.Time) int {
	n := 0
	for i := range v.entries {
		if inWindow(&v.entries[i], d, at) {
			n++
		}
	}
	return n
}

// AmountSum sums amounts within d before at.
func (v View) AmountSum(d time.Duration, at time.Time) float64 {
	var sum float64
	for i := range v.entries {
		if inWindow(&v.entries[i], d, at) {
			sum += v.entries[i].Amount
		}
	}
	return sum
}

func (v View) UniqueCountries(d time.Duration, at time.Time) int {
	return v.distinct(d, at, func(e *Entry) (string, bool) { return e.Country, true })
}

func (v View) UniqueMerchants(d time.Duration, at time.Time) int {
	return v.distinct(d, at, func(e *Entry) (string, bool) { return e.MerchantID, true })
}

// UniqueDevices ignores entries without a device id.
func (v View) UniqueDevices(d time.Duration, at time.Time) int {
	return v.distinct(d, at, func(e *Entry) (string, bool) {
		if e.DeviceID == nil {
			return "", false
		}
		return *e.DeviceID, true
	})
}

func (v View) distinct(d time.Duration, at time.Time, key func(*Entry) (string, bool)) int {
	seen := make(map[string]struct{})
	for i := range v.entries {
		e := &v.entries[i]
		if !inWindow(e, d, at) {
			continue
		}
		if k, ok := key(e); ok {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

// AmountStats returns the mean and population standard deviation of amounts
// within lookback before at. Both are nil with fewer than minSamples entries.
func (v View) AmountStats(lookback time.Duration, at time.Time, minSamples int) (mean, std *float64) {
	var amounts []float64
	for i := range v.entries {
		if inWindow(&v.entries[i], lookback, at) {
			amounts = append(amounts, v.entries[i].Amount)
		}
	}
	if len(amounts) == 0 || len(amounts) < minSamples {
		return nil, nil
	}
	var sum float64
	for _, a := range amounts {
		sum += a
	}
	m := sum / float64(len(amounts))
	var sq float64
	for _, a := range amounts {
		sq += (a - m) * (a - m)
	}
	s := math.Sqrt(sq / float64(len(amounts)))
	return &m, &s
}
