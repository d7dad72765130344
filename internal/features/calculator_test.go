package features_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/statestore"
	"github.com/mbd888/txfeatures/internal/txn"
)

// Wednesday, 14:00 UTC
var now = time.Date(2024, 5, 8, 14, 0, 0, 0, time.UTC)

func tx(id string, at time.Time, amount float64) *txn.Transaction {
	return &txn.Transaction{
		TransactionID: id,
		UserID:        "u1",
		CardID:        "c1",
		MerchantID:    "m-" + id,
		Amount:        amount,
		Currency:      "USD",
		EventTime:     at,
		Channel:       txn.ChannelPOS,
		Country:       "US",
	}
}

// computeThenRecord mirrors the ingestion order: read, compute, fold.
func computeThenRecord(t *testing.T, s *statestore.Store, c *features.Calculator, x *txn.Transaction) *features.Record {
	t.Helper()
	rec, err := c.Compute(x, s.GetOrCreate(x.UserID))
	require.NoError(t, err)
	s.RecordTransaction(x.UserID, x)
	return rec
}

func TestCompute_WindowCorrectness(t *testing.T) {
	s := statestore.New(statestore.Config{})
	c := features.NewCalculator(features.DefaultConfig())

	computeThenRecord(t, s, c, tx("a", now.Add(-3*time.Hour), 10))
	computeThenRecord(t, s, c, tx("b", now.Add(-30*time.Minute), 20))
	rec := computeThenRecord(t, s, c, tx("c", now, 30))

	assert.Equal(t, 1, rec.TxnCount1h)
	assert.Equal(t, 2, rec.TxnCount24h)
	assert.Equal(t, 2, rec.TxnCount7d)
	assert.Equal(t, 20.0, rec.AmountSum1h)
	assert.Equal(t, 30.0, rec.AmountSum24h)
}

func TestCompute_WindowLowerBoundInclusive(t *testing.T) {
	s := statestore.New(statestore.Config{})
	c := features.NewCalculator(features.DefaultConfig())

	computeThenRecord(t, s, c, tx("edge", now.Add(-time.Hour), 5))
	computeThenRecord(t, s, c, tx("out", now.Add(-time.Hour-time.Nanosecond), 7))
	rec := computeThenRecord(t, s, c, tx("cur", now, 1))

	assert.Equal(t, 1, rec.TxnCount1h)
	assert.Equal(t, 5.0, rec.AmountSum1h)
}

func TestCompute_ZScoreNullBoundary(t *testing.T) {
	c := features.NewCalculator(features.DefaultConfig())

	t.Run("one prior", func(t *testing.T) {
		s := statestore.New(statestore.Config{})
		computeThenRecord(t, s, c, tx("p1", now.Add(-time.Hour), 100))
		rec := computeThenRecord(t, s, c, tx("cur", now, 500))
		assert.Nil(t, rec.AmountZScore)
		assert.Nil(t, rec.AvgAmount30d)
		assert.Nil(t, rec.StdAmount30d)
	})

	t.Run("zero std", func(t *testing.T) {
		s := statestore.New(statestore.Config{})
		computeThenRecord(t, s, c, tx("p1", now.Add(-2*time.Hour), 100))
		computeThenRecord(t, s, c, tx("p2", now.Add(-time.Hour), 100))
		rec := computeThenRecord(t, s, c, tx("cur", now, 500))
		assert.Nil(t, rec.AmountZScore)
		require.NotNil(t, rec.AvgAmount30d)
		assert.Equal(t, 100.0, *rec.AvgAmount30d)
		require.NotNil(t, rec.StdAmount30d)
		assert.Equal(t, 0.0, *rec.StdAmount30d)
	})

	t.Run("three sigma", func(t *testing.T) {
		s := statestore.New(statestore.Config{})
		computeThenRecord(t, s, c, tx("p1", now.Add(-2*time.Hour), 100))
		computeThenRecord(t, s, c, tx("p2", now.Add(-time.Hour), 300))
		rec := computeThenRecord(t, s, c, tx("cur", now, 500))
		require.NotNil(t, rec.AmountZScore)
		assert.Equal(t, 3.0, *rec.AmountZScore)
		assert.Equal(t, 200.0, *rec.AvgAmount30d)
		assert.Equal(t, 100.0, *rec.StdAmount30d)
	})

	t.Run("priors outside lookback ignored", func(t *testing.T) {
		s := statestore.New(statestore.Config{})
		computeThenRecord(t, s, c, tx("old", now.Add(-31*24*time.Hour), 100))
		computeThenRecord(t, s, c, tx("p1", now.Add(-time.Hour), 300))
		rec := computeThenRecord(t, s, c, tx("cur", now, 500))
		assert.Nil(t, rec.AmountZScore)
	})
}

func TestCompute_FirstTransaction(t *testing.T) {
	s := statestore.New(statestore.Config{})
	c := features.NewCalculator(features.DefaultConfig())

	rec := computeThenRecord(t, s, c, tx("first", now, 42))

	assert.Nil(t, rec.MinutesSinceLastTxn)
	assert.False(t, rec.CountryChangeFlag)
	assert.False(t, rec.DeviceChangeFlag)
	assert.True(t, rec.UserMerchantFirstTime)
	assert.Nil(t, rec.IsForeignTxn)
	assert.Equal(t, 0, rec.TxnCount1h)
	assert.Equal(t, 0, rec.TxnCount7d)
	assert.Equal(t, 0.0, rec.AmountSum24h)
	assert.Equal(t, 0, rec.UniqueMerchants24h)
}

func TestCompute_OrderingInvariant(t *testing.T) {
	s := statestore.New(statestore.Config{})
	c := features.NewCalculator(features.DefaultConfig())

	const n = 20
	txns := make([]*txn.Transaction, n)
	for k := range txns {
		txns[k] = tx(fmt.Sprintf("t%02d", k), now.Add(time.Duration(k)*time.Minute), float64(k+1))
	}

	for k, x := range txns {
		rec := computeThenRecord(t, s, c, x)

		// Recompute from a store holding only transactions 0..k-1.
		ref := statestore.New(statestore.Config{})
		for _, prior := range txns[:k] {
			ref.RecordTransaction(prior.UserID, prior)
		}
		want, err := c.Compute(x, ref.GetOrCreate(x.UserID))
		require.NoError(t, err)

		assert.Equal(t, want, rec, "transaction %d", k)
		assert.Equal(t, k, rec.TxnCount7d)
		var sum float64
		for j := 0; j < k; j++ {
			sum += txns[j].Amount
		}
		assert.Equal(t, sum, rec.AmountSum24h)
		assert.True(t, rec.UserMerchantFirstTime, "merchant of %d must not count itself", k)
	}
}

func TestCompute_Behavioral(t *testing.T) {
	s := statestore.New(statestore.Config{})
	c := features.NewCalculator(features.DefaultConfig())
	d1, d2 := "dev-1", "dev-2"

	first := tx("a", now.Add(-2*time.Hour), 10)
	first.DeviceID = &d1
	computeThenRecord(t, s, c, first)

	second := tx("b", now.Add(-time.Hour), 10)
	second.MerchantID = "m-a"
	rec := computeThenRecord(t, s, c, second)
	assert.False(t, rec.DeviceChangeFlag, "no current device")
	assert.False(t, rec.UserMerchantFirstTime)
	require.NotNil(t, rec.IsForeignTxn)
	assert.False(t, *rec.IsForeignTxn)

	third := tx("c", now, 10)
	third.DeviceID = &d2
	third.Country = "BR"
	rec = computeThenRecord(t, s, c, third)
	assert.False(t, rec.DeviceChangeFlag, "previous transaction had no device")
	assert.True(t, rec.CountryChangeFlag)
	require.NotNil(t, rec.IsForeignTxn)
	assert.True(t, *rec.IsForeignTxn)
	assert.Equal(t, 1, rec.UniqueCountries24h)
	assert.Equal(t, 1, rec.UniqueMerchants24h)
	assert.Equal(t, 1, rec.UniqueDevices24h)

	fourth := tx("d", now.Add(time.Minute), 10)
	fourth.DeviceID = &d1
	rec = computeThenRecord(t, s, c, fourth)
	assert.True(t, rec.DeviceChangeFlag)
	assert.True(t, rec.CountryChangeFlag)
	assert.Equal(t, 2, rec.UniqueCountries24h)
	assert.Equal(t, 2, rec.UniqueDevices24h)
}

func TestCompute_Temporal(t *testing.T) {
	c := features.NewCalculator(features.DefaultConfig())

	tests := []struct {
		name    string
		at      time.Time
		hour    int
		dow     int
		weekend bool
		night   bool
	}{
		{"monday morning", time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC), 9, 0, false, false},
		{"saturday small hours", time.Date(2024, 5, 11, 3, 0, 0, 0, time.UTC), 3, 5, true, true},
		{"sunday evening", time.Date(2024, 5, 12, 23, 59, 0, 0, time.UTC), 23, 6, true, false},
		{"six is not night", time.Date(2024, 5, 8, 6, 0, 0, 0, time.UTC), 6, 2, false, false},
		{"offset normalized to utc", time.Date(2024, 5, 12, 1, 0, 0, 0, time.FixedZone("x", 3*3600)), 22, 5, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := statestore.New(statestore.Config{})
			rec, err := c.Compute(tx("t", tt.at, 1), s.GetOrCreate("u1"))
			require.NoError(t, err)
			assert.Equal(t, tt.hour, rec.HourOfDay)
			assert.Equal(t, tt.dow, rec.DayOfWeek)
			assert.Equal(t, tt.weekend, rec.IsWeekend)
			assert.Equal(t, tt.night, rec.IsNight)
		})
	}
}

func TestCompute_MinutesSinceLast(t *testing.T) {
	c := features.NewCalculator(features.DefaultConfig())

	tests := []struct {
		name  string
		prior time.Duration
		want  int
	}{
		{"floors partial minutes", -(90*time.Second + 500*time.Millisecond), 1},
		{"capped at one week", -30 * 24 * time.Hour, 10080},
		{"late event clamps to zero", 2 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := statestore.New(statestore.Config{})
			s.RecordTransaction("u1", tx("prior", now.Add(tt.prior), 1))
			rec, err := c.Compute(tx("cur", now, 1), s.GetOrCreate("u1"))
			require.NoError(t, err)
			require.NotNil(t, rec.MinutesSinceLastTxn)
			assert.Equal(t, tt.want, *rec.MinutesSinceLastTxn)
		})
	}
}

func TestCompute_ChannelEncoding(t *testing.T) {
	c := features.NewCalculator(features.DefaultConfig())
	s := statestore.New(statestore.Config{})

	for ch, want := range map[txn.Channel]int{
		txn.ChannelPOS:  0,
		txn.ChannelECOM: 1,
		txn.ChannelATM:  2,
		"CRYPTO":        -1,
		"pos":           -1,
	} {
		x := tx("t", now, 1)
		x.Channel = ch
		rec, err := c.Compute(x, s.GetOrCreate("u1"))
		require.NoError(t, err, "channel %s", ch)
		assert.Equal(t, want, rec.ChannelEncoded, "channel %s", ch)
	}
}

func TestCompute_MalformedFailsWholeRecord(t *testing.T) {
	c := features.NewCalculator(features.DefaultConfig())
	s := statestore.New(statestore.Config{})

	bad := tx("t", now, 1)
	bad.MerchantID = ""
	rec, err := c.Compute(bad, s.GetOrCreate("u1"))
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, txn.ErrMalformed)

	bad = tx("t", time.Time{}, 1)
	rec, err = c.Compute(bad, s.GetOrCreate("u1"))
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, txn.ErrMalformed)

	rec, err = c.Compute(nil, s.GetOrCreate("u1"))
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, txn.ErrMalformed)
}

func TestCompute_OptionalFieldsCarried(t *testing.T) {
	c := features.NewCalculator(features.DefaultConfig())
	s := statestore.New(statestore.Config{})

	label := true
	x := tx("t", now, 1)
	x.Label = &label
	rec, err := c.Compute(x, s.GetOrCreate("u1"))
	require.NoError(t, err)
	require.NotNil(t, rec.Label)
	assert.True(t, *rec.Label)
	assert.Equal(t, "POS", rec.Channel)
	assert.Equal(t, "US", rec.Country)
}

func TestRecord_Rounded(t *testing.T) {
	mean, std, z := 123.456, 7.891, 1.234567
	r := features.Record{
		AmountSum1h:  10.006,
		AmountSum24h: 99.999,
		AvgAmount30d: &mean,
		StdAmount30d: &std,
		AmountZScore: &z,
	}
	out := r.Rounded()

	assert.Equal(t, 10.01, out.AmountSum1h)
	assert.Equal(t, 100.0, out.AmountSum24h)
	assert.Equal(t, 123.46, *out.AvgAmount30d)
	assert.Equal(t, 7.89, *out.StdAmount30d)
	assert.Equal(t, 1.2346, *out.AmountZScore)
	assert.Equal(t, 1.234567, *r.AmountZScore, "original untouched")

	assert.Nil(t, features.Record{}.Rounded().AmountZScore)
}
