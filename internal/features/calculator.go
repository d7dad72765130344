// Package features derives the per-transaction feature row from a user's
// history as it stood before the transaction.
package features

import (
	"fmt"
	"time"

	"github.com/mbd888/txfeatures/internal/txn"
)

// History is the read-only view of prior activity the calculator needs.
// statestore.View implements it.
type History interface {
	TxnCount(d time.Duration, at time.Time) int
	AmountSum(d time.Duration, at time.Time) float64
	UniqueCountries(d time.Duration, at time.Time) int
	UniqueMerchants(d time.Duration, at time.Time) int
	UniqueDevices(d time.Duration, at time.Time) int
	AmountStats(lookback time.Duration, at time.Time, minSamples int) (mean, std *float64)
	IsMerchantFirstTime(merchantID string) bool
	LastTxnTime() *time.Time
	LastCountry() *string
	LastDeviceID() *string
	HomeCountry() *string
}

// Config holds the windows and encodings used by Compute.
type Config struct {
	// VelocityWindows feed user_txn_count_{1h,24h,7d} in that order.
	VelocityWindows [3]time.Duration
	// AmountSumWindows feed user_amount_sum_{1h,24h}.
	AmountSumWindows [2]time.Duration
	UniqueWindow     time.Duration
	AmountLookback   time.Duration
	MinStatSamples   int

	MinutesSinceLastCap int
	NightHourEnd        int
	ChannelCodes        map[txn.Channel]int
}

// UnknownChannelCode is reported for channels missing from ChannelCodes.
const UnknownChannelCode = -1

// DefaultConfig returns the production windows.
func DefaultConfig() Config {
	return Config{
		VelocityWindows:     [3]time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour},
		AmountSumWindows:    [2]time.Duration{time.Hour, 24 * time.Hour},
		UniqueWindow:        24 * time.Hour,
		AmountLookback:      30 * 24 * time.Hour,
		MinStatSamples:      2,
		MinutesSinceLastCap: 7 * 24 * 60,
		NightHourEnd:        6,
		ChannelCodes: map[txn.Channel]int{
			txn.ChannelPOS:  0,
			txn.ChannelECOM: 1,
			txn.ChannelATM:  2,
		},
	}
}

// Calculator computes feature rows. It keeps no state between calls.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a calculator. A nil ChannelCodes map means every
// channel encodes as UnknownChannelCode.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Config returns the calculator's configuration.
func (c *Calculator) Config() Config { return c.cfg }

// Compute builds the feature row for t from h, which must not yet include t.
// Invalid transactions yield an error wrapping txn.ErrMalformed and no row.
func (c *Calculator) Compute(t *txn.Transaction, h History) (*Record, error) {
	start := time.Now()
	defer func() { computeDuration.Observe(time.Since(start).Seconds()) }()

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("compute features: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("compute features for %s: nil history", t.TransactionID)
	}

	at := t.EventTime.UTC()
	r := &Record{
		TransactionID: t.TransactionID,
		UserID:        t.UserID,
		EventTime:     at,
		Amount:        t.Amount,
		Channel:       string(t.Channel),
		Country:       t.Country,
		Label:         t.Label,
	}

	c.velocity(r, h, at)
	c.amount(r, h, at)
	c.behavioral(r, t, h, at)
	c.temporal(r, h, at)
	r.ChannelEncoded = c.ChannelCode(t.Channel)
	return r, nil
}

func (c *Calculator) velocity(r *Record, h History, at time.Time) {
	w := c.cfg.VelocityWindows
	r.TxnCount1h = h.TxnCount(w[0], at)
	r.TxnCount24h = h.TxnCount(w[1], at)
	r.TxnCount7d = h.TxnCount(w[2], at)
	r.AmountSum1h = h.AmountSum(c.cfg.AmountSumWindows[0], at)
	r.AmountSum24h = h.AmountSum(c.cfg.AmountSumWindows[1], at)
}

func (c *Calculator) amount(r *Record, h History, at time.Time) {
	mean, std := h.AmountStats(c.cfg.AmountLookback, at, c.cfg.MinStatSamples)
	r.AvgAmount30d = mean
	r.StdAmount30d = std
	if mean != nil && std != nil && *std > 0 {
		z := (r.Amount - *mean) / *std
		r.AmountZScore = &z
	}
}

func (c *Calculator) behavioral(r *Record, t *txn.Transaction, h History, at time.Time) {
	if last := h.LastCountry(); last != nil {
		r.CountryChangeFlag = *last != t.Country
	}
	if last := h.LastDeviceID(); last != nil && t.DeviceID != nil {
		r.DeviceChangeFlag = *last != *t.DeviceID
	}
	r.UniqueCountries24h = h.UniqueCountries(c.cfg.UniqueWindow, at)
	r.UniqueMerchants24h = h.UniqueMerchants(c.cfg.UniqueWindow, at)
	r.UniqueDevices24h = h.UniqueDevices(c.cfg.UniqueWindow, at)
	r.UserMerchantFirstTime = h.IsMerchantFirstTime(t.MerchantID)
	if home := h.HomeCountry(); home != nil {
		foreign := *home != t.Country
		r.IsForeignTxn = &foreign
	}
}

func (c *Calculator) temporal(r *Record, h History, at time.Time) {
	r.HourOfDay = at.Hour()
	// time.Weekday counts from Sunday; the row counts from Monday.
	r.DayOfWeek = (int(at.Weekday()) + 6) % 7
	r.IsWeekend = r.DayOfWeek >= 5
	r.IsNight = r.HourOfDay < c.cfg.NightHourEnd

	if last := h.LastTxnTime(); last != nil {
		minutes := int(at.Sub(*last) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		if c.cfg.MinutesSinceLastCap > 0 && minutes > c.cfg.MinutesSinceLastCap {
			minutes = c.cfg.MinutesSinceLastCap
		}
		r.MinutesSinceLastTxn = &minutes
	}
}

// ChannelCode maps ch to its integer code. Unknown channels never fail.
func (c *Calculator) ChannelCode(ch txn.Channel) int {
	if code, ok := c.cfg.ChannelCodes[ch]; ok {
		return code
	}
	return UnknownChannelCode
}
