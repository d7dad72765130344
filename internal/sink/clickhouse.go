package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/features"
)

// ClickHouse appends feature rows to a ReplacingMergeTree keyed by
// transaction id. Replays insert newer versions that collapse on merge;
// reads use FINAL to see one row per key.
type ClickHouse struct {
	conn driver.Conn
	now  func() time.Time
}

// OpenClickHouse connects and pings the server.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &ClickHouse{conn: conn, now: time.Now}, nil
}

// Migrate creates the feature table.
func (c *ClickHouse) Migrate(ctx context.Context) error {
	return c.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transaction_features (
			transaction_id           String,
			user_id                  String,
			event_time               DateTime64(3, 'UTC'),
			amount                   Float64,
			amount_zscore            Nullable(Float64),
			user_txn_count_1h        Int32,
			user_txn_count_24h       Int32,
			user_txn_count_7d        Int32,
			user_amount_sum_1h       Float64,
			user_amount_sum_24h      Float64,
			user_avg_amount_30d      Nullable(Float64),
			user_std_amount_30d      Nullable(Float64),
			country_change_flag      Bool,
			device_change_flag       Bool,
			unique_countries_24h     Int32,
			unique_merchants_24h     Int32,
			unique_devices_24h       Int32,
			user_merchant_first_time Bool,
			hour_of_day              Int8,
			day_of_week              Int8,
			is_weekend               Bool,
			is_night                 Bool,
			minutes_since_last_txn   Nullable(Int32),
			channel                  LowCardinality(String),
			channel_encoded          Int16,
			country                  LowCardinality(String),
			is_foreign_txn           Nullable(Bool),
			label                    Nullable(Bool),
			computed_at              DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(computed_at)
		ORDER BY transaction_id
	`)
}

// EnsureSchema returns ErrSchemaMissing unless the feature table exists.
func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	var n uint64
	err := c.conn.QueryRow(ctx,
		`SELECT count() FROM system.tables WHERE database = currentDatabase() AND name = ?`, Table).Scan(&n)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if n == 0 {
		return ErrSchemaMissing
	}
	return nil
}

// Upsert inserts a new version of rec.
func (c *ClickHouse) Upsert(ctx context.Context, rec *features.Record) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO transaction_features")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	err = batch.Append(
		rec.TransactionID,
		rec.UserID,
		rec.EventTime.UTC(),
		rec.Amount,
		rec.AmountZScore,
		int32(rec.TxnCount1h),
		int32(rec.TxnCount24h),
		int32(rec.TxnCount7d),
		rec.AmountSum1h,
		rec.AmountSum24h,
		rec.AvgAmount30d,
		rec.StdAmount30d,
		rec.CountryChangeFlag,
		rec.DeviceChangeFlag,
		int32(rec.UniqueCountries24h),
		int32(rec.UniqueMerchants24h),
		int32(rec.UniqueDevices24h),
		rec.UserMerchantFirstTime,
		int8(rec.HourOfDay),
		int8(rec.DayOfWeek),
		rec.IsWeekend,
		rec.IsNight,
		int32Ptr(rec.MinutesSinceLastTxn),
		rec.Channel,
		int16(rec.ChannelEncoded),
		rec.Country,
		rec.IsForeignTxn,
		rec.Label,
		c.now().UTC(),
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append %s: %w", rec.TransactionID, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert %s: %w", rec.TransactionID, err)
	}
	return nil
}

// Get reads the latest version of one row.
func (c *ClickHouse) Get(ctx context.Context, transactionID string) (*features.Record, error) {
	var (
		r                          features.Record
		c1h, c24h, c7d, uc, um, ud int32
		hour, dow                  int8
		chCode                     int16
		minutes                    *int32
		zscore, avg, std           *float64
		foreign, label             *bool
	)
	err := c.conn.QueryRow(ctx, `
		SELECT transaction_id, user_id, event_time, amount, amount_zscore,
		       user_txn_count_1h, user_txn_count_24h, user_txn_count_7d,
		       user_amount_sum_1h, user_amount_sum_24h, user_avg_amount_30d, user_std_amount_30d,
		       country_change_flag, device_change_flag,
		       unique_countries_24h, unique_merchants_24h, unique_devices_24h, user_merchant_first_time,
		       hour_of_day, day_of_week, is_weekend, is_night, minutes_since_last_txn,
		       channel, channel_encoded, country, is_foreign_txn, label
		FROM transaction_features FINAL
		WHERE transaction_id = ?`, transactionID).Scan(
		&r.TransactionID, &r.UserID, &r.EventTime, &r.Amount, &zscore,
		&c1h, &c24h, &c7d,
		&r.AmountSum1h, &r.AmountSum24h, &avg, &std,
		&r.CountryChangeFlag, &r.DeviceChangeFlag,
		&uc, &um, &ud, &r.UserMerchantFirstTime,
		&hour, &dow, &r.IsWeekend, &r.IsNight, &minutes,
		&r.Channel, &chCode, &r.Country, &foreign, &label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.EventTime = r.EventTime.UTC()
	r.AmountZScore, r.AvgAmount30d, r.StdAmount30d = zscore, avg, std
	r.TxnCount1h, r.TxnCount24h, r.TxnCount7d = int(c1h), int(c24h), int(c7d)
	r.UniqueCountries24h, r.UniqueMerchants24h, r.UniqueDevices24h = int(uc), int(um), int(ud)
	r.HourOfDay, r.DayOfWeek = int(hour), int(dow)
	r.ChannelEncoded = int(chCode)
	if minutes != nil {
		m := int(*minutes)
		r.MinutesSinceLastTxn = &m
	}
	r.IsForeignTxn, r.Label = foreign, label
	return &r, nil
}

// Count returns the number of distinct transactions stored.
func (c *ClickHouse) Count(ctx context.Context) (int64, error) {
	var n uint64
	if err := c.conn.QueryRow(ctx, `SELECT count() FROM transaction_features FINAL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	return int64(n), nil
}

func (c *ClickHouse) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

func int32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}
