package memtable

import (
	"fmt"

	"github.com/vecbufdb/vecbuf/pkg/config"
	"github.com/vecbufdb/vecbuf/pkg/vector"
	"github.com/vecbufdb/vecbuf/pkg/wal"
)

// RecoveryOptions bounds how much a WAL replay is allowed to rebuild, a
// safety valve against an unbounded replay turning into an unbounded
// memory allocation.
type RecoveryOptions struct {
	// MaxSequenceNumber caps which LSNs are replayed; entries past it are
	// ignored (used to stop a replay at a known-durable flush point).
	MaxSequenceNumber uint64

	// MaxMemTables caps how many generations a single replay may produce.
	MaxMemTables int

	// MemTableSize is the size threshold at which replay rolls over to a
	// fresh MemTable generation.
	MemTableSize int64
}

// DefaultRecoveryOptions returns conservative recovery bounds for cfg.
func DefaultRecoveryOptions(cfg *config.Config) *RecoveryOptions {
	return &RecoveryOptions{
		MaxSequenceNumber: ^uint64(0),
		MaxMemTables:      16,
		MemTableSize:      cfg.InsertBufferSize,
	}
}

// RecoverFromWAL rebuilds a single table's MemTable generations from its
// write-ahead log. Not invoked by pkg/manager at runtime (startup recovery
// is out of scope for the write-buffer manager itself); kept for tooling
// that wants to rebuild a table's in-memory state from the WAL alone, e.g.
// after a crash.
func RecoverFromWAL(cfg *config.Config, tableId vector.TableId, dimension int, opts *RecoveryOptions) ([]*MemTable, uint64, error) {
	if opts == nil {
		opts = DefaultRecoveryOptions(cfg)
	}

	memTables := []*MemTable{NewMemTable(tableId, dimension)}
	var maxLSN uint64

	entryHandler := func(entry *wal.Entry) error {
		if entry.LSN > opts.MaxSequenceNumber {
			return nil
		}
		if entry.LSN > maxLSN {
			maxLSN = entry.LSN
		}

		current := memTables[len(memTables)-1]

		if current.ApproximateSize() >= opts.MemTableSize {
			if len(memTables) >= opts.MaxMemTables {
				return fmt.Errorf("maximum number of memtables (%d) exceeded during recovery", opts.MaxMemTables)
			}
			current.SetImmutable()
			current = NewMemTable(tableId, dimension)
			memTables = append(memTables, current)
		}

		return current.ProcessWALEntry(entry)
	}

	if _, err := wal.ReplayWALDir(cfg.WALDir, entryHandler); err != nil {
		return nil, 0, fmt.Errorf("failed to replay WAL: %w", err)
	}

	return memTables, maxLSN, nil
}
