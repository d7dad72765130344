// Command replay folds a file of newline-delimited transactions through the
// feature pipeline and writes one feature row per transaction.
//
// Examples:
//
//	replay --file transactions.jsonl > features.jsonl
//	replay --file - --sink postgres < transactions.jsonl
//	replay --file transactions.jsonl --dry-run
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/ingest"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/retry"
	"github.com/mbd888/txfeatures/internal/sink"
	"github.com/mbd888/txfeatures/internal/source"
	"github.com/mbd888/txfeatures/internal/statestore"
)

var Version = "dev"

var (
	replayFile     string
	replaySink     string
	replayDryRun   bool
	replayLogLevel string
	replayBatch    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute transaction features from a file",
		Long: `Replay reads one JSON transaction per line, computes each row's
features against the history seen so far in the file and writes the rows
to the chosen sink.

Retention is measured from the newest event time in the file rather than
the wall clock, so historical files keep their history.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runReplay,
	}

	rootCmd.Flags().StringVarP(&replayFile, "file", "f", "-", `input file ("-" for stdin)`)
	rootCmd.Flags().StringVarP(&replaySink, "sink", "s", "stdout", "sink: stdout, memory, postgres, clickhouse")
	rootCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "compute features but discard them")
	rootCmd.Flags().StringVar(&replayLogLevel, "log-level", "info", "log level")
	rootCmd.Flags().IntVar(&replayBatch, "batch", 500, "acknowledge every N rows")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runReplay(cmd *cobra.Command, _ []string) error {
	logger := logging.NewWriter(os.Stderr, replayLogLevel, "text")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := source.OpenFile(replayFile)
	if err != nil {
		return err
	}

	kind := replaySink
	if replayDryRun {
		kind = config.SinkMemory
	}
	snk, err := openSink(ctx, cfg, kind, logger)
	if err != nil {
		_ = src.Close()
		return err
	}

	storeCfg := cfg.StateStore()
	storeCfg.PruneByEventTime = true
	store := statestore.New(storeCfg, statestore.WithLogger(logger))
	proc := ingest.NewProcessor(store, features.NewCalculator(cfg.Features()))

	loop := ingest.NewLoop(src, snk, proc, ingest.LoopConfig{
		AckBatchSize:         replayBatch,
		MaxErrors:            cfg.MaxErrors,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		SinkTimeout:          cfg.SinkTimeout,
		ProgressInterval:     cfg.ProgressInterval,
	}, ingest.WithLogger(logger), ingest.WithBreakerName("replay"))

	runErr := loop.Run(ctx)

	st := loop.Stats()
	logger.Info("replay finished",
		"lines", src.Lines(),
		"processed", st.Processed,
		"replayed", st.Replayed,
		"malformed", st.Malformed,
		"rejected", st.Rejected,
		"errors", st.ProcessErrors+st.SinkErrors,
		"users_tracked", store.Count(),
		"dry_run", replayDryRun,
	)
	return runErr
}

func openSink(ctx context.Context, cfg *config.Config, kind string, logger *slog.Logger) (ingest.Sink, error) {
	switch kind {
	case "stdout":
		return sink.NewJSONLines(bufio.NewWriterSize(os.Stdout, 64*1024)), nil
	case config.SinkMemory:
		return sink.NewMemory(), nil
	case config.SinkPostgres:
		db, err := sink.Connect(ctx, cfg.DatabaseURL,
			retry.Fixed(cfg.DBConnectAttempts, cfg.DBConnectInterval), logger)
		if err != nil {
			return nil, err
		}
		pg := sink.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return pg, nil
	case config.SinkClickHouse:
		ch, err := sink.OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		if err := ch.Migrate(ctx); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("migrate clickhouse: %w", err)
		}
		return ch, nil
	}
	return nil, fmt.Errorf("unknown sink %q", kind)
}
