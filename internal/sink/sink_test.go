package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/ingest"
)

func sampleRecord(id string, at time.Time) *features.Record {
	z := 1.2345
	avg, std := 50.0, 12.5
	mins := 42
	foreign := true
	return &features.Record{
		TransactionID:       id,
		UserID:              "u1",
		EventTime:           at,
		Amount:              65.43,
		Channel:             "ECOM",
		Country:             "GB",
		TxnCount1h:          1,
		TxnCount24h:         3,
		TxnCount7d:          9,
		AmountSum1h:         10,
		AmountSum24h:        120.5,
		AvgAmount30d:        &avg,
		StdAmount30d:        &std,
		AmountZScore:        &z,
		CountryChangeFlag:   true,
		UniqueCountries24h:  2,
		UniqueMerchants24h:  3,
		UniqueDevices24h:    1,
		IsForeignTxn:        &foreign,
		HourOfDay:           at.Hour(),
		DayOfWeek:           (int(at.Weekday()) + 6) % 7,
		MinutesSinceLastTxn: &mins,
		ChannelEncoded:      1,
	}
}

func TestMemory_UpsertOverwrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	rec := sampleRecord("t1", at)
	require.NoError(t, m.Upsert(ctx, rec))
	rec.TxnCount1h = 7
	require.NoError(t, m.Upsert(ctx, rec))
	require.NoError(t, m.Upsert(ctx, sampleRecord("t0", at.Add(-time.Hour))))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(3), m.Writes())

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.TxnCount1h)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	recs := m.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "t0", recs[0].TransactionID)
}

func TestJSONLines_WritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	s := NewJSONLines(w)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, sampleRecord("t1", at)))
	require.NoError(t, s.Upsert(ctx, sampleRecord("t2", at)))
	assert.Zero(t, buf.Len(), "buffered until close")
	require.NoError(t, s.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var row map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &row))
	assert.Equal(t, "t2", row["transaction_id"])
	assert.Equal(t, 42.0, row["minutes_since_last_txn"])
	assert.Nil(t, row["label"])
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, nullFloat(nil).Valid)
	assert.False(t, nullInt(nil).Valid)
	assert.False(t, nullBool(nil).Valid)

	f := 2.5
	assert.Equal(t, 2.5, nullFloat(&f).Float64)
	assert.Equal(t, &f, floatPtr(nullFloat(&f)))
	assert.Nil(t, floatPtr(nullFloat(nil)))

	b := false
	assert.Equal(t, &b, boolPtr(nullBool(&b)))
	assert.Nil(t, int32Ptr(nil))
	n := 12
	assert.Equal(t, int32(12), *int32Ptr(&n))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify_DataExceptionsAreRejected(t *testing.T) {
	overflow := &pq.Error{Code: "22003", Message: "numeric field overflow"}
	err := classify(fmt.Errorf("exec: %w", overflow))
	assert.ErrorIs(t, err, ingest.ErrRecordRejected)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("22003"), pqErr.Code)

	serialization := &pq.Error{Code: "40001"}
	assert.NotErrorIs(t, classify(serialization), ingest.ErrRecordRejected)

	reset := errors.New("connection reset by peer")
	assert.Same(t, reset, classify(reset))
}
