package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/txn"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, SourceKafka, cfg.Source)
	assert.Equal(t, SinkPostgres, cfg.Sink)
	assert.Equal(t, "localhost:9092", cfg.Kafka.Brokers)
	assert.Equal(t, "earliest", cfg.Kafka.AutoOffsetReset)
	assert.Equal(t, 50, cfg.CommitEveryN)
	assert.Equal(t, 100, cfg.MaxErrors)
	assert.Equal(t, 500, cfg.HistoryCapacity)
	assert.Equal(t, 100_000, cfg.MaxUsers)
	assert.Equal(t, 1000, cfg.EvictionBatch)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, 10*time.Minute, cfg.MaintenanceInterval)
	assert.Equal(t, 5*time.Second, cfg.SinkTimeout)
	assert.Equal(t, [3]time.Duration{time.Hour, 24 * time.Hour, 168 * time.Hour}, cfg.VelocityWindows)
	assert.Equal(t, map[txn.Channel]int{"POS": 0, "ECOM": 1, "ATM": 2}, cfg.ChannelCodes)
	assert.Equal(t, 30, cfg.StreamConnectsPerMinute)
	assert.Equal(t, 5, cfg.StreamConnectBurst)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "SOURCE", "RabbitMQ")
	setEnv(t, "SINK", "clickhouse")
	setEnv(t, "RABBITMQ_PREFETCH", "10")
	setEnv(t, "COMMIT_EVERY_N", "7")
	setEnv(t, "SINK_TIMEOUT", "250ms")
	setEnv(t, "VELOCITY_WINDOWS", "30m, 12h, 72h")
	setEnv(t, "CHANNEL_CODES", "POS=5,ECOM=6,ATM=7,P2P=8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceRabbitMQ, cfg.Source)
	assert.Equal(t, SinkClickHouse, cfg.Sink)
	assert.Equal(t, 10, cfg.RabbitMQ.Prefetch)
	assert.Equal(t, 7, cfg.CommitEveryN)
	assert.Equal(t, 250*time.Millisecond, cfg.SinkTimeout)
	assert.Equal(t, 8, cfg.ChannelCodes["P2P"])

	fc := cfg.Features()
	assert.Equal(t, [3]time.Duration{30 * time.Minute, 12 * time.Hour, 72 * time.Hour}, fc.VelocityWindows)
	assert.Equal(t, [2]time.Duration{30 * time.Minute, 12 * time.Hour}, fc.AmountSumWindows)
	assert.Equal(t, 12*time.Hour, fc.UniqueWindow)
	assert.Equal(t, 2, fc.MinStatSamples)

	sc := cfg.StateStore()
	assert.Equal(t, cfg.MaxUsers, sc.MaxUsers)
	assert.Equal(t, cfg.HistoryCapacity, sc.HistoryCapacity)
}

func TestLoad_MalformedValues(t *testing.T) {
	setEnv(t, "COMMIT_EVERY_N", "fifty")
	setEnv(t, "SINK_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMMIT_EVERY_N")
	assert.Contains(t, err.Error(), "SINK_TIMEOUT")
}

func TestLoad_FileSourceNeedsPath(t *testing.T) {
	setEnv(t, "SOURCE", "file")
	setEnv(t, "SOURCE_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_FILE is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Source:          SourceKafka,
			Kafka:           KafkaConfig{Brokers: "b", Topic: "t", GroupID: "g"},
			Sink:            SinkMemory,
			CommitEveryN:    1,
			SinkTimeout:     time.Second,
			HistoryCapacity: 1,
			MaxUsers:        1,
			EvictionBatch:   1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown source", func(c *Config) { c.Source = "pulsar" }, "SOURCE must be one of"},
		{"unknown sink", func(c *Config) { c.Sink = "s3" }, "SINK must be one of"},
		{"kafka without topic", func(c *Config) { c.Kafka.Topic = "" }, "KAFKA_TOPIC"},
		{"postgres without dsn", func(c *Config) { c.Sink = SinkPostgres }, "DATABASE_URL"},
		{"zero batch", func(c *Config) { c.CommitEveryN = 0 }, "COMMIT_EVERY_N"},
		{"zero capacity", func(c *Config) { c.MaxUsers = 0 }, "MAX_USERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseChannelCodes_Invalid(t *testing.T) {
	_, err := parseChannelCodes("POS")
	assert.Error(t, err)
	_, err = parseChannelCodes("POS=x")
	assert.Error(t, err)
}

func TestParseVelocityWindows_Invalid(t *testing.T) {
	_, err := parseVelocityWindows("1h,24h")
	assert.Error(t, err)
	_, err = parseVelocityWindows("1h,-24h,7h")
	assert.Error(t, err)
}
