// Package manager implements MemManager, the write-buffer manager's core:
// the directory of per-table mutable MemTables (MemIdMap) and the FIFO
// queue of buffers waiting to be durably flushed (MemList), and the
// promotion state machine - Mutable -> Immutable -> Serialized - that
// moves a buffer from one to the other.
//
// Two independent locks guard the two structures: M_mut (mutMu) is always
// acquired before M_immu (immuMu) whenever both are needed in the same
// call, and no path ever acquires them in the opposite order. Only
// ToImmutable holds both at once: it appends to MemList under immuMu while
// still holding mutMu. Every other path either takes one, releases it, and
// then takes the other, or takes only one.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vecbufdb/vecbuf/pkg/catalog"
	"github.com/vecbufdb/vecbuf/pkg/common/log"
	"github.com/vecbufdb/vecbuf/pkg/config"
	"github.com/vecbufdb/vecbuf/pkg/gate"
	"github.com/vecbufdb/vecbuf/pkg/memtable"
	"github.com/vecbufdb/vecbuf/pkg/segment"
	"github.com/vecbufdb/vecbuf/pkg/stats"
	"github.com/vecbufdb/vecbuf/pkg/vector"
)

var (
	// ErrNotFound is returned when an operation names a table that the
	// manager has no mutable buffer for.
	ErrNotFound = errors.New("not found")

	// ErrDBError wraps one or more failures from a sweep that otherwise
	// made partial progress: a single bad buffer must not block the rest
	// of the sweep, so Flush logs and continues, then reports ErrDBError
	// once the sweep is done.
	ErrDBError = errors.New("write-buffer manager error")
)

// pending is one buffer sitting in MemList, waiting to be durably
// serialized. LSN is the write-ahead-log position Flush was called with
// when this buffer was promoted - the point a truncation can safely use
// once every pending buffer up to it is Serialized.
type pending struct {
	tableId vector.TableId
	table   *memtable.MemTable
	lsn     uint64
}

// Manager is MemManager: the single owner of every table's in-memory
// write buffer and its path to durable storage.
type Manager struct {
	cfg *config.Config
	cat *catalog.Catalog

	mutMu  sync.RWMutex
	mutMap map[vector.TableId]*memtable.MemTable

	immuMu sync.Mutex
	immu   []*pending

	// gate enforces insert_buffer_size and the queued-buffer ceiling
	// against the manager's global footprint, not any single table's -
	// admission depends on current_total_memory() across every table.
	gate *gate.Gate

	collector stats.Collector
}

// New creates a Manager backed by cat for schema lookups and cfg for its
// tunables. collector may be nil; every call site nil-checks before use.
func New(cfg *config.Config, cat *catalog.Catalog, collector stats.Collector) *Manager {
	return &Manager{
		cfg:       cfg,
		cat:       cat,
		mutMap:    make(map[vector.TableId]*memtable.MemTable),
		gate:      gate.New(cfg.InsertBufferSize, cfg.MaxImmutableQueueLen, cfg.GatePollInterval),
		collector: collector,
	}
}

func (m *Manager) track(op stats.Operation) {
	if m.collector != nil {
		m.collector.TrackOperation(op)
	}
}

// getOrCreateMutable returns tableId's current mutable MemTable, creating
// an empty one (registering the table in the catalog with dimension if it
// wasn't known yet) if none exists. Called with mutMu held for write.
func (m *Manager) getOrCreateMutable(tableId vector.TableId, dimension int) (*memtable.MemTable, error) {
	if t, ok := m.mutMap[tableId]; ok {
		return t, nil
	}

	schema, err := m.cat.Resolve(tableId, dimension)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for table %q: %w", tableId, err)
	}

	t := memtable.NewMemTable(tableId, schema.Dimension)
	m.mutMap[tableId] = t
	return t, nil
}

// mutableBytes sums ApproximateSize() over every table's mutable buffer.
func (m *Manager) mutableBytes() int64 {
	m.mutMu.RLock()
	defer m.mutMu.RUnlock()

	var total int64
	for _, t := range m.mutMap {
		total += t.ApproximateSize()
	}
	return total
}

// immutableBytes sums ApproximateSize() over every buffer currently
// queued for flush, across every table.
func (m *Manager) immutableBytes() int64 {
	m.immuMu.Lock()
	defer m.immuMu.Unlock()

	var total int64
	for _, p := range m.immu {
		total += p.table.ApproximateSize()
	}
	return total
}

// immuQueueLen reports how many buffers are currently queued for flush,
// across every table - the quantity the admission gate compares against
// MaxImmutableQueueLen.
func (m *Manager) immuQueueLen() int {
	m.immuMu.Lock()
	defer m.immuMu.Unlock()
	return len(m.immu)
}

// InsertVectors appends batch to tableId's mutable MemTable, assigning
// fresh ids where the batch didn't supply them, gating admission against
// insert_buffer_size first. Dimension is used only the first time tableId
// is referenced, to seed its catalog schema.
func (m *Manager) InsertVectors(ctx context.Context, tableId vector.TableId, dimension int, batch *vector.VectorBatch) error {
	src, err := vector.NewVectorSource(batch)
	if err != nil {
		return fmt.Errorf("invalid vector batch for table %q: %w", tableId, err)
	}

	sample := func() (int64, int) {
		return m.mutableBytes() + m.immutableBytes(), m.immuQueueLen()
	}
	if err := m.gate.Wait(ctx, sample); err != nil {
		return fmt.Errorf("admission wait for table %q: %w", tableId, err)
	}

	m.mutMu.Lock()
	table, err := m.getOrCreateMutable(tableId, dimension)
	m.mutMu.Unlock()
	if err != nil {
		return err
	}

	if err := src.Stream(table); err != nil {
		return fmt.Errorf("insert into table %q: %w", tableId, err)
	}

	m.track(stats.OpInsert)
	return nil
}

// DeleteVector tombstones id within tableId's mutable MemTable.
func (m *Manager) DeleteVector(tableId vector.TableId, id vector.VectorId) error {
	m.mutMu.RLock()
	table, ok := m.mutMap[tableId]
	m.mutMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: table %q", ErrNotFound, tableId)
	}

	table.DeleteVector(id)
	m.track(stats.OpDelete)
	return nil
}

// DeleteVectors tombstones every id in ids within tableId's mutable
// MemTable in one call.
func (m *Manager) DeleteVectors(tableId vector.TableId, ids []vector.VectorId) error {
	for _, id := range ids {
		if err := m.DeleteVector(tableId, id); err != nil {
			return err
		}
	}
	return nil
}

// GetCurrentMutableMem sums current_memory_bytes over every table's
// mutable buffer - the manager's total mutable footprint.
func (m *Manager) GetCurrentMutableMem() int64 {
	return m.mutableBytes()
}

// GetCurrentImmutableMem sums current_memory_bytes over every buffer
// currently queued for flush, across every table.
func (m *Manager) GetCurrentImmutableMem() int64 {
	return m.immutableBytes()
}

// GetCurrentMem sums GetCurrentMutableMem and GetCurrentImmutableMem. The
// two collections are sampled under their own locks, one after the other,
// so the combined total is not atomic across both - acceptable here since
// it is read-only and used only for the back-pressure gate and for
// observability.
func (m *Manager) GetCurrentMem() int64 {
	return m.mutableBytes() + m.immutableBytes()
}

// GetMutableMemForTable returns tableId's live mutable MemTable, or
// ErrNotFound if the table has never been written to.
func (m *Manager) GetMutableMemForTable(tableId vector.TableId) (*memtable.MemTable, error) {
	m.mutMu.RLock()
	defer m.mutMu.RUnlock()

	t, ok := m.mutMap[tableId]
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, tableId)
	}
	return t, nil
}

// GetImmutableMemForTable returns every buffer for tableId currently
// queued for flush, oldest first.
func (m *Manager) GetImmutableMemForTable(tableId vector.TableId) []*memtable.MemTable {
	m.immuMu.Lock()
	defer m.immuMu.Unlock()

	var tables []*memtable.MemTable
	for _, p := range m.immu {
		if p.tableId == tableId {
			tables = append(tables, p.table)
		}
	}
	return tables
}

// GetMemForTable returns tableId's mutable buffer followed by every
// queued immutable buffer, oldest first - the full view a reader must
// merge to see every write a table has accepted.
func (m *Manager) GetMemForTable(tableId vector.TableId) ([]*memtable.MemTable, error) {
	mutable, err := m.GetMutableMemForTable(tableId)
	if err != nil {
		return nil, err
	}
	tables := append([]*memtable.MemTable{mutable}, m.GetImmutableMemForTable(tableId)...)
	return tables, nil
}

// ToImmutable seals tableId's current mutable MemTable, pushes it onto
// MemList under lsn, and replaces it with a fresh empty mutable MemTable.
// It holds mutMu for the whole call and takes immuMu inside it, only to
// append to MemList, so both locks are held together, always in that
// order. A no-op (returns nil, nil) when the table's mutable buffer is
// empty.
func (m *Manager) ToImmutable(tableId vector.TableId, lsn uint64) (*memtable.MemTable, error) {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	table, ok := m.mutMap[tableId]
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, tableId)
	}
	if table.Empty() {
		return nil, nil
	}

	table.SetImmutable()

	m.immuMu.Lock()
	m.immu = append(m.immu, &pending{tableId: tableId, table: table, lsn: lsn})
	m.immuMu.Unlock()

	schema, _ := m.cat.Lookup(tableId)
	m.mutMap[tableId] = memtable.NewMemTable(tableId, schema.Dimension)

	m.gate.NotifyDrained()
	return table, nil
}

// toImmutableAll seals every table's mutable buffer under lsn, leaving
// empty buffers untouched in the mutable directory.
func (m *Manager) toImmutableAll(lsn uint64) error {
	m.mutMu.RLock()
	tableIds := make([]vector.TableId, 0, len(m.mutMap))
	for id := range m.mutMap {
		tableIds = append(tableIds, id)
	}
	m.mutMu.RUnlock()

	for _, id := range tableIds {
		if _, err := m.ToImmutable(id, lsn); err != nil {
			return err
		}
	}
	return nil
}

// drainEntireQueue removes and returns every pending buffer currently in
// MemList, across every table, preserving queue order, then wakes any
// InsertVectors caller waiting on the admission gate, since the drained
// buffers no longer count toward the sampled footprint.
func (m *Manager) drainEntireQueue() []*pending {
	m.immuMu.Lock()
	drained := m.immu
	m.immu = nil
	m.immuMu.Unlock()

	m.gate.NotifyDrained()
	return drained
}

// flushBatch serializes every buffer in batch to its table's segment
// directory under its own recorded LSN, continuing past a failed buffer
// rather than aborting the sweep. It returns the table ids of every
// buffer it serialized successfully, plus ErrDBError summarizing how many
// (if any) failed.
func (m *Manager) flushBatch(batch []*pending) ([]vector.TableId, error) {
	var tableIds []vector.TableId
	var failures int

	for _, p := range batch {
		schema, ok := m.cat.Lookup(p.tableId)
		if !ok {
			failures++
			log.Error("flush: no catalog schema registered for table %q", p.tableId)
			continue
		}
		if _, err := segment.Write(schema.SegmentDir, p.tableId, schema.Dimension, p.lsn, p.table, m.cfg.CompressSegments); err != nil {
			failures++
			log.Error("flush: failed to serialize buffer for table %q at LSN %d: %v", p.tableId, p.lsn, err)
			continue
		}
		tableIds = append(tableIds, p.tableId)
	}

	m.track(stats.OpFlush)

	if failures > 0 {
		return tableIds, fmt.Errorf("%w: %d of %d buffers failed to serialize", ErrDBError, failures, len(batch))
	}
	return tableIds, nil
}

// Flush seals tableId's mutable buffer (if non-empty) under lsn, then
// drains every buffer currently sitting in MemList - not just tableId's
// own, but every table's, including ones queued by earlier Flush calls
// that never finished - serializing each to its own table's segment
// directory in queue order. A serialize failure is logged and the sweep
// continues; if any failures occurred, Flush returns ErrDBError
// summarizing how many.
func (m *Manager) Flush(tableId vector.TableId, lsn uint64) error {
	if _, err := m.ToImmutable(tableId, lsn); err != nil {
		return err
	}

	batch := m.drainEntireQueue()
	_, err := m.flushBatch(batch)
	return err
}

// FlushAll seals every table's non-empty mutable buffer under lsn, then
// drains and serializes the entire queue in one sweep. It returns the ids
// of every table whose buffer was actually serialized - tables with an
// empty mutable buffer at the time of the call never enter the queue and
// so never appear in the result.
func (m *Manager) FlushAll(lsn uint64) ([]vector.TableId, error) {
	if err := m.toImmutableAll(lsn); err != nil {
		return nil, err
	}

	batch := m.drainEntireQueue()
	return m.flushBatch(batch)
}

// EraseMemVector forcibly discards all buffered state for tableId - its
// mutable buffer, if any, and every buffer for it sitting in the
// immutable queue - used when a table is dropped. It cannot fail once
// its locks are held: a table with no buffered state at all is a no-op,
// not an error. It acquires mutMu, releases it, then acquires immuMu,
// never holding both at once.
func (m *Manager) EraseMemVector(tableId vector.TableId) error {
	m.mutMu.Lock()
	delete(m.mutMap, tableId)
	m.mutMu.Unlock()

	m.immuMu.Lock()
	remaining := make([]*pending, 0, len(m.immu))
	for _, p := range m.immu {
		if p.tableId != tableId {
			remaining = append(remaining, p)
		}
	}
	m.immu = remaining
	m.immuMu.Unlock()

	m.track(stats.OpErase)
	return nil
}
