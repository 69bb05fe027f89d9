// Package config centralizes vecbuf's tunables: the memory ceiling the
// write-buffer manager gates admission against, the WAL's durability mode,
// and the directories the WAL and segment writer use.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// WAL sync modes.
type SyncMode int

const (
	// SyncImmediate fsyncs after every append.
	SyncImmediate SyncMode = iota
	// SyncBatch fsyncs once WALSyncBytes have accumulated since the last sync.
	SyncBatch
	// SyncNone never fsyncs explicitly; relies on OS buffering.
	SyncNone
)

func (m SyncMode) String() string {
	switch m {
	case SyncImmediate:
		return "immediate"
	case SyncBatch:
		return "batch"
	case SyncNone:
		return "none"
	default:
		return "unknown"
	}
}

const CurrentManifestVersion = 1

// Config holds the options a Manager and its collaborators are constructed
// with. Once constructed it is treated as read-only by every collaborator.
type Config struct {
	Version int

	// WALDir is where the write-ahead log's segment files live.
	WALDir string
	// SegmentDir is where flushed vector segments are written.
	SegmentDir string

	// InsertBufferSize is the soft memory ceiling InsertVectors' admission
	// gate enforces against the manager's global footprint - the sum of
	// every table's mutable buffer plus every queued immutable buffer, in
	// bytes, not any single table's. Must be strictly positive.
	InsertBufferSize int64

	// MaxImmutableQueueLen caps how many buffers, across every table, may
	// sit in the immutable queue before InsertVectors' gate treats the
	// manager as maximally backed up, independent of raw byte count. Zero
	// means unlimited.
	MaxImmutableQueueLen int

	WALSyncMode  SyncMode
	WALSyncBytes int64
	WALMaxSize   int64

	// GatePollInterval is the safety-net timeout on the admission gate's
	// condition-variable wait: a gated InsertVectors re-samples at least
	// this often even without a wake-up.
	GatePollInterval time.Duration

	// CompressSegments, when set, runs flushed segment bodies through zstd.
	CompressSegments bool
}

// NewDefaultConfig returns a Config rooted at dataDir with conservative
// defaults.
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version:              CurrentManifestVersion,
		WALDir:               dataDir + "/wal",
		SegmentDir:           dataDir + "/segments",
		InsertBufferSize:     64 * 1024 * 1024,
		MaxImmutableQueueLen: 0,
		WALSyncMode:          SyncBatch,
		WALSyncBytes:         1024 * 1024,
		WALMaxSize:           64 * 1024 * 1024,
		GatePollInterval:     time.Millisecond,
		CompressSegments:     false,
	}
}

// NewConfigFromFile loads overrides from a YAML/TOML/JSON file (any format
// viper recognizes) on top of NewDefaultConfig's values.
func NewConfigFromFile(dataDir, path string) (*Config, error) {
	cfg := NewDefaultConfig(dataDir)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if v.IsSet("wal_dir") {
		cfg.WALDir = v.GetString("wal_dir")
	}
	if v.IsSet("segment_dir") {
		cfg.SegmentDir = v.GetString("segment_dir")
	}
	if v.IsSet("insert_buffer_size") {
		cfg.InsertBufferSize = v.GetInt64("insert_buffer_size")
	}
	if v.IsSet("max_immutable_queue_len") {
		cfg.MaxImmutableQueueLen = v.GetInt("max_immutable_queue_len")
	}
	if v.IsSet("wal_sync_bytes") {
		cfg.WALSyncBytes = v.GetInt64("wal_sync_bytes")
	}
	if v.IsSet("wal_max_size") {
		cfg.WALMaxSize = v.GetInt64("wal_max_size")
	}
	if v.IsSet("compress_segments") {
		cfg.CompressSegments = v.GetBool("compress_segments")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the manager cannot safely run under.
func (c *Config) Validate() error {
	if c.InsertBufferSize <= 0 {
		return fmt.Errorf("insert_buffer_size must be strictly positive, got %d", c.InsertBufferSize)
	}
	if c.WALDir == "" {
		return fmt.Errorf("wal_dir must not be empty")
	}
	if c.SegmentDir == "" {
		return fmt.Errorf("segment_dir must not be empty")
	}
	return nil
}
