package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/ingest"
	"github.com/mbd888/txfeatures/internal/retry"
)

// Connect opens dsn and pings it under policy, so the service can start
// before the database is reachable.
func Connect(ctx context.Context, dsn string, policy retry.Policy, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, next time.Duration) {
			logger.Warn("database not ready, retrying", "attempt", attempt, "next", next, "error", err)
		}
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Postgres upserts feature rows into transaction_features.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database. Close closes db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB returns the underlying pool.
func (p *Postgres) DB() *sql.DB { return p.db }

// EnsureSchema returns ErrSchemaMissing unless the feature table exists.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, Table).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if !exists {
		return ErrSchemaMissing
	}
	return nil
}

const upsertSQL = `
	INSERT INTO transaction_features (
		transaction_id, user_id, event_time,
		amount, amount_zscore,
		user_txn_count_1h, user_txn_count_24h, user_txn_count_7d,
		user_amount_sum_1h, user_amount_sum_24h,
		user_avg_amount_30d, user_std_amount_30d,
		country_change_flag, device_change_flag,
		unique_countries_24h, unique_merchants_24h, unique_devices_24h,
		user_merchant_first_time,
		hour_of_day, day_of_week, is_weekend, is_night, minutes_since_last_txn,
		channel, channel_encoded,
		country, is_foreign_txn,
		label
	) VALUES (
		$1, $2, $3,
		$4, $5,
		$6, $7, $8,
		$9, $10,
		$11, $12,
		$13, $14,
		$15, $16, $17,
		$18,
		$19, $20, $21, $22, $23,
		$24, $25,
		$26, $27,
		$28
	)
	ON CONFLICT (transaction_id) DO UPDATE SET
		amount_zscore = EXCLUDED.amount_zscore,
		user_txn_count_1h = EXCLUDED.user_txn_count_1h,
		user_txn_count_24h = EXCLUDED.user_txn_count_24h,
		user_txn_count_7d = EXCLUDED.user_txn_count_7d,
		user_amount_sum_1h = EXCLUDED.user_amount_sum_1h,
		user_amount_sum_24h = EXCLUDED.user_amount_sum_24h,
		user_avg_amount_30d = EXCLUDED.user_avg_amount_30d,
		user_std_amount_30d = EXCLUDED.user_std_amount_30d,
		country_change_flag = EXCLUDED.country_change_flag,
		device_change_flag = EXCLUDED.device_change_flag,
		unique_countries_24h = EXCLUDED.unique_countries_24h,
		unique_merchants_24h = EXCLUDED.unique_merchants_24h,
		unique_devices_24h = EXCLUDED.unique_devices_24h,
		user_merchant_first_time = EXCLUDED.user_merchant_first_time,
		minutes_since_last_txn = EXCLUDED.minutes_since_last_txn,
		is_foreign_txn = EXCLUDED.is_foreign_txn,
		label = EXCLUDED.label,
		computed_at = NOW()`

// Upsert writes rec in its own transaction.
func (p *Postgres) Upsert(ctx context.Context, rec *features.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, upsertSQL,
		rec.TransactionID, rec.UserID, rec.EventTime.UTC(),
		rec.Amount, nullFloat(rec.AmountZScore),
		rec.TxnCount1h, rec.TxnCount24h, rec.TxnCount7d,
		rec.AmountSum1h, rec.AmountSum24h,
		nullFloat(rec.AvgAmount30d), nullFloat(rec.StdAmount30d),
		rec.CountryChangeFlag, rec.DeviceChangeFlag,
		rec.UniqueCountries24h, rec.UniqueMerchants24h, rec.UniqueDevices24h,
		rec.UserMerchantFirstTime,
		rec.HourOfDay, rec.DayOfWeek, rec.IsWeekend, rec.IsNight, nullInt(rec.MinutesSinceLastTxn),
		rec.Channel, rec.ChannelEncoded,
		rec.Country, nullBool(rec.IsForeignTxn),
		nullBool(rec.Label),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.TransactionID, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", rec.TransactionID, err)
	}
	return nil
}

// Get reads one row back.
func (p *Postgres) Get(ctx context.Context, transactionID string) (*features.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, user_id, event_time,
		       amount, amount_zscore,
		       user_txn_count_1h, user_txn_count_24h, user_txn_count_7d,
		       user_amount_sum_1h, user_amount_sum_24h,
		       user_avg_amount_30d, user_std_amount_30d,
		       country_change_flag, device_change_flag,
		       unique_countries_24h, unique_merchants_24h, unique_devices_24h,
		       user_merchant_first_time,
		       hour_of_day, day_of_week, is_weekend, is_night, minutes_since_last_txn,
		       channel, channel_encoded,
		       country, is_foreign_txn,
		       label
		FROM transaction_features WHERE transaction_id = $1`, transactionID)

	r := &features.Record{}
	var (
		zscore, avg, std sql.NullFloat64
		minutes          sql.NullInt64
		foreign, label   sql.NullBool
	)
	err := row.Scan(
		&r.TransactionID, &r.UserID, &r.EventTime,
		&r.Amount, &zscore,
		&r.TxnCount1h, &r.TxnCount24h, &r.TxnCount7d,
		&r.AmountSum1h, &r.AmountSum24h,
		&avg, &std,
		&r.CountryChangeFlag, &r.DeviceChangeFlag,
		&r.UniqueCountries24h, &r.UniqueMerchants24h, &r.UniqueDevices24h,
		&r.UserMerchantFirstTime,
		&r.HourOfDay, &r.DayOfWeek, &r.IsWeekend, &r.IsNight, &minutes,
		&r.Channel, &r.ChannelEncoded,
		&r.Country, &foreign,
		&label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.EventTime = r.EventTime.UTC()
	r.AmountZScore = floatPtr(zscore)
	r.AvgAmount30d = floatPtr(avg)
	r.StdAmount30d = floatPtr(std)
	if minutes.Valid {
		m := int(minutes.Int64)
		r.MinutesSinceLastTxn = &m
	}
	r.IsForeignTxn = boolPtr(foreign)
	r.Label = boolPtr(label)
	return r, nil
}

// Count returns the number of feature rows.
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transaction_features`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	return n, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// dataException is the SQLSTATE class for values the column cannot hold:
// numeric overflow, invalid text representation and the like.
const dataException = "22"

// classify marks errors that would repeat on every retry as
// ingest.ErrRecordRejected.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == dataException {
		return fmt.Errorf("%w: %w", ingest.ErrRecordRejected, err)
	}
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
