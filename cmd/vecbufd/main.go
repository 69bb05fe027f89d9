// Command vecbufd runs vecbuf's write-buffer manager standalone: it wires
// together the config, catalog, WAL, and manager packages and reports
// periodic write-buffer telemetry until interrupted. It does not implement
// the RPC/HTTP ingestion layer - wiring InsertVectors to a network
// transport is left to whatever embeds this module.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vecbufdb/vecbuf/pkg/catalog"
	"github.com/vecbufdb/vecbuf/pkg/common/log"
	"github.com/vecbufdb/vecbuf/pkg/config"
	"github.com/vecbufdb/vecbuf/pkg/manager"
	"github.com/vecbufdb/vecbuf/pkg/stats"
	"github.com/vecbufdb/vecbuf/pkg/wal"
)

var (
	dataDir          string
	insertBufferSize int64
	maxQueueLen      int
	compress         bool
	logLevel         string
	statsInterval    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "vecbufd",
		Short: "vecbuf write-buffer manager daemon",
		RunE:  run,
	}

	root.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for WAL and segment storage")
	root.Flags().Int64Var(&insertBufferSize, "insert-buffer-size", 64*1024*1024, "soft memory ceiling on the total of all tables' mutable and queued buffers, in bytes")
	root.Flags().IntVar(&maxQueueLen, "max-immutable-queue-len", 0, "queued-for-flush buffers, across all tables, at which inserts wait (0 = unlimited)")
	root.Flags().BoolVar(&compress, "compress-segments", false, "zstd-compress flushed segment bodies")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().DurationVar(&statsInterval, "stats-interval", 10*time.Second, "how often to log write-buffer telemetry")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := log.SetLevel(logLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	cfg := config.NewDefaultConfig(dataDir)
	cfg.InsertBufferSize = insertBufferSize
	cfg.MaxImmutableQueueLen = maxQueueLen
	cfg.CompressSegments = compress
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.WALDir, 0755); err != nil {
		return fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if err := os.MkdirAll(cfg.SegmentDir, 0755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}

	w, err := wal.NewWAL(cfg, cfg.WALDir)
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	defer w.Close()

	cat := catalog.New(cfg.SegmentDir)
	collector := stats.NewPromCollector(nil, "vecbufd")
	mgr := manager.New(cfg, cat, collector)

	log.Info("vecbufd started: data-dir=%s insert-buffer-size=%d compress=%v", dataDir, insertBufferSize, compress)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reportStats(mgr, collector)
		case <-ctx.Done():
			log.Info("shutdown signal received, draining write buffers")
			if err := drainAll(mgr); err != nil {
				log.Warn("flush during shutdown reported errors: %v", err)
			}
			log.Info("shutdown complete")
			return nil
		}
	}
}

// reportStats logs a line of telemetry per registered operation counter,
// plus the manager's global mutable/immutable footprint.
func reportStats(mgr *manager.Manager, collector stats.Collector) {
	snapshot := collector.Snapshot()
	for op, count := range snapshot {
		log.Info("stat: %s=%d", op, count)
	}
	log.Info("stat: mutable_bytes=%d immutable_bytes=%d total_bytes=%d",
		mgr.GetCurrentMutableMem(), mgr.GetCurrentImmutableMem(), mgr.GetCurrentMem())
}

// drainAll flushes every table with anything buffered. vecbufd doesn't
// track the last-applied WAL LSN itself (that bookkeeping belongs to
// whatever owns the WAL's AppendBatch calls); it flushes under sequence 0
// as a best-effort drain purely so mutable buffers aren't silently
// dropped on shutdown.
func drainAll(mgr *manager.Manager) error {
	flushed, err := mgr.FlushAll(0)
	log.Info("shutdown flush drained %d table(s): %v", len(flushed), flushed)
	return err
}
