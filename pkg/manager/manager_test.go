package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vecbufdb/vecbuf/pkg/catalog"
	"github.com/vecbufdb/vecbuf/pkg/config"
	"github.com/vecbufdb/vecbuf/pkg/segment"
	"github.com/vecbufdb/vecbuf/pkg/vector"
)

func newTestManager(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.InsertBufferSize = 1024 * 1024
	cfg.GatePollInterval = 5 * time.Millisecond
	cat := catalog.New(dir)
	return New(cfg, cat, nil), cfg
}

func TestInsertAndGetVector(t *testing.T) {
	m, _ := newTestManager(t)

	batch := &vector.VectorBatch{Vectors: [][]float32{{1, 2}, {3, 4}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, batch); err != nil {
		t.Fatalf("InsertVectors: %v", err)
	}
	if len(batch.Ids) != 2 {
		t.Fatalf("expected 2 assigned ids, got %d", len(batch.Ids))
	}

	mt, err := m.GetMutableMemForTable("orders")
	if err != nil {
		t.Fatalf("GetMutableMemForTable: %v", err)
	}
	vec, ok := mt.GetVector(batch.Ids[0])
	if !ok || len(vec) != 2 {
		t.Fatalf("expected vector to be present, got %v ok=%v", vec, ok)
	}

	if got := m.GetCurrentMutableMem(); got <= 0 {
		t.Errorf("expected positive global mutable footprint, got %d", got)
	}
	if got := m.GetCurrentMem(); got != m.GetCurrentMutableMem()+m.GetCurrentImmutableMem() {
		t.Errorf("GetCurrentMem should equal the sum of the mutable and immutable aggregates, got %d", got)
	}
}

func TestGetMutableMemForTableNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetMutableMemForTable("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestGetCurrentMemIsGlobalAcrossTables verifies the aggregate accessors
// sum bytes across every table, not just the one most recently written.
func TestGetCurrentMemIsGlobalAcrossTables(t *testing.T) {
	m, _ := newTestManager(t)

	before := m.GetCurrentMutableMem()

	batch1 := &vector.VectorBatch{Vectors: [][]float32{{1, 2}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, batch1); err != nil {
		t.Fatalf("InsertVectors orders: %v", err)
	}
	afterFirst := m.GetCurrentMutableMem()
	if afterFirst <= before {
		t.Fatalf("expected mutable footprint to grow after first insert, before=%d after=%d", before, afterFirst)
	}

	batch2 := &vector.VectorBatch{Vectors: [][]float32{{3, 4, 5}}}
	if err := m.InsertVectors(context.Background(), "users", 3, batch2); err != nil {
		t.Fatalf("InsertVectors users: %v", err)
	}
	afterSecond := m.GetCurrentMutableMem()
	if afterSecond <= afterFirst {
		t.Fatalf("expected mutable footprint to grow again after a second table's insert, afterFirst=%d afterSecond=%d", afterFirst, afterSecond)
	}
}

// TestTombstonePreservationThroughFlush verifies a delete followed by a
// flush leaves the vector absent from the serialized segment, not merely
// absent in memory.
func TestTombstonePreservationThroughFlush(t *testing.T) {
	m, _ := newTestManager(t)

	batch := &vector.VectorBatch{Vectors: [][]float32{{1, 1}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, batch); err != nil {
		t.Fatalf("InsertVectors: %v", err)
	}
	id := batch.Ids[0]

	if err := m.DeleteVector("orders", id); err != nil {
		t.Fatalf("DeleteVector: %v", err)
	}

	if err := m.Flush("orders", 1); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	schema, ok := m.cat.Lookup("orders")
	if !ok {
		t.Fatalf("expected orders to be registered in catalog")
	}
	paths, err := segmentPaths(schema.SegmentDir)
	if err != nil {
		t.Fatalf("segmentPaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected exactly 1 segment, got %d", len(paths))
	}

	footer, entries, err := segment.Read(paths[0])
	if err != nil {
		t.Fatalf("segment.Read: %v", err)
	}
	if footer.TombstoneCount != 1 {
		t.Errorf("expected 1 tombstone in segment, got %d", footer.TombstoneCount)
	}
	foundTombstone := false
	for _, e := range entries {
		if e.Id == id {
			if !e.Tombstone {
				t.Errorf("expected entry %d to be a tombstone", id)
			}
			foundTombstone = true
		}
	}
	if !foundTombstone {
		t.Error("tombstone was not found in the flushed segment")
	}
}

func TestFlushDrainsEntireImmutableQueue(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		batch := &vector.VectorBatch{Vectors: [][]float32{{float32(i), float32(i)}}}
		if err := m.InsertVectors(context.Background(), "orders", 2, batch); err != nil {
			t.Fatalf("InsertVectors: %v", err)
		}
		if _, err := m.ToImmutable("orders", uint64(i+1)); err != nil {
			t.Fatalf("ToImmutable: %v", err)
		}
	}

	if got := len(m.GetImmutableMemForTable("orders")); got != 3 {
		t.Fatalf("expected 3 queued buffers, got %d", got)
	}

	if err := m.Flush("orders", 99); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := len(m.GetImmutableMemForTable("orders")); got != 0 {
		t.Errorf("expected empty immutable queue after flush, got %d", got)
	}

	schema, _ := m.cat.Lookup("orders")
	paths, err := segmentPaths(schema.SegmentDir)
	if err != nil {
		t.Fatalf("segmentPaths: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 segments written, got %d", len(paths))
	}
}

// TestFlushDrainsOtherTablesQueuedBuffersToo is the genuine cross-table
// test: Flush("orders", ...) must drain a buffer queued for "users" too,
// since the manager's single immutable queue is shared across every
// table, not partitioned per table.
func TestFlushDrainsOtherTablesQueuedBuffersToo(t *testing.T) {
	m, _ := newTestManager(t)

	usersBatch := &vector.VectorBatch{Vectors: [][]float32{{9, 9, 9}}}
	if err := m.InsertVectors(context.Background(), "users", 3, usersBatch); err != nil {
		t.Fatalf("InsertVectors users: %v", err)
	}
	if _, err := m.ToImmutable("users", 1); err != nil {
		t.Fatalf("ToImmutable users: %v", err)
	}

	ordersBatch := &vector.VectorBatch{Vectors: [][]float32{{1, 2}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, ordersBatch); err != nil {
		t.Fatalf("InsertVectors orders: %v", err)
	}

	if err := m.Flush("orders", 2); err != nil {
		t.Fatalf("Flush orders: %v", err)
	}

	if got := len(m.GetImmutableMemForTable("users")); got != 0 {
		t.Errorf("expected users' queued buffer to be drained by orders' Flush call, got %d still queued", got)
	}

	usersSchema, ok := m.cat.Lookup("users")
	if !ok {
		t.Fatalf("expected users to be registered in catalog")
	}
	paths, err := segmentPaths(usersSchema.SegmentDir)
	if err != nil {
		t.Fatalf("segmentPaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected users' queued buffer to have been serialized by orders' Flush call, got %d segments", len(paths))
	}
}

func TestEraseMemVectorDiscardsAllStateForTable(t *testing.T) {
	m, _ := newTestManager(t)

	firstBatch := &vector.VectorBatch{Vectors: [][]float32{{1, 2}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, firstBatch); err != nil {
		t.Fatalf("InsertVectors: %v", err)
	}
	if _, err := m.ToImmutable("orders", 1); err != nil {
		t.Fatalf("ToImmutable: %v", err)
	}

	secondBatch := &vector.VectorBatch{Vectors: [][]float32{{3, 4}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, secondBatch); err != nil {
		t.Fatalf("second InsertVectors: %v", err)
	}

	if err := m.EraseMemVector("orders"); err != nil {
		t.Fatalf("EraseMemVector: %v", err)
	}

	if _, err := m.GetMutableMemForTable("orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected orders' mutable buffer to be gone, got err=%v", err)
	}
	if got := len(m.GetImmutableMemForTable("orders")); got != 0 {
		t.Errorf("expected orders' queued buffers to be gone, got %d still queued", got)
	}

	// Erasing a table with no buffered state at all is a no-op, not an error.
	if err := m.EraseMemVector("never-written"); err != nil {
		t.Errorf("expected erasing an untouched table to succeed, got %v", err)
	}
}

// TestEraseMemVectorLeavesOtherTablesIntact guards against an
// implementation that accidentally clears the whole queue instead of
// just the named table's entries.
func TestEraseMemVectorLeavesOtherTablesIntact(t *testing.T) {
	m, _ := newTestManager(t)

	ordersBatch := &vector.VectorBatch{Vectors: [][]float32{{1, 2}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, ordersBatch); err != nil {
		t.Fatalf("InsertVectors orders: %v", err)
	}
	if _, err := m.ToImmutable("orders", 1); err != nil {
		t.Fatalf("ToImmutable orders: %v", err)
	}

	usersBatch := &vector.VectorBatch{Vectors: [][]float32{{9, 9, 9}}}
	if err := m.InsertVectors(context.Background(), "users", 3, usersBatch); err != nil {
		t.Fatalf("InsertVectors users: %v", err)
	}
	if _, err := m.ToImmutable("users", 1); err != nil {
		t.Fatalf("ToImmutable users: %v", err)
	}

	if err := m.EraseMemVector("orders"); err != nil {
		t.Fatalf("EraseMemVector: %v", err)
	}

	if got := len(m.GetImmutableMemForTable("users")); got != 1 {
		t.Errorf("expected users' queued buffer to survive erasing orders, got %d", got)
	}
}

func TestInsertVectorsGatesOnGlobalBufferSize(t *testing.T) {
	m, cfg := newTestManager(t)
	cfg.InsertBufferSize = 1 // smallest possible ceiling: the very first write already exceeds it
	m = New(cfg, m.cat, nil) // the gate reads the ceiling once, at construction

	first := &vector.VectorBatch{Vectors: [][]float32{{1, 2}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, first); err != nil {
		t.Fatalf("first InsertVectors: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// A second table's insert must gate too, since the gate samples the
	// manager's global footprint, not "orders" alone.
	second := &vector.VectorBatch{Vectors: [][]float32{{3, 4, 5}}}
	err := m.InsertVectors(ctx, "users", 3, second)
	if err == nil {
		t.Fatal("expected a different table's InsertVectors to block on the shared admission gate until the context deadline")
	}
}

func TestFlushAllReportsOnlyFlushedTables(t *testing.T) {
	m, _ := newTestManager(t)

	ordersBatch := &vector.VectorBatch{Vectors: [][]float32{{1, 2}}}
	if err := m.InsertVectors(context.Background(), "orders", 2, ordersBatch); err != nil {
		t.Fatalf("InsertVectors orders: %v", err)
	}
	usersBatch := &vector.VectorBatch{Vectors: [][]float32{{9, 9, 9}}}
	if err := m.InsertVectors(context.Background(), "users", 3, usersBatch); err != nil {
		t.Fatalf("InsertVectors users: %v", err)
	}

	// "empty" is registered in the catalog (via a prior insert-then-erase)
	// but currently holds nothing, so it must not appear in FlushAll's
	// output even though it is known to the manager.
	emptyBatch := &vector.VectorBatch{Vectors: [][]float32{{0, 0}}}
	if err := m.InsertVectors(context.Background(), "empty", 2, emptyBatch); err != nil {
		t.Fatalf("InsertVectors empty: %v", err)
	}
	if err := m.EraseMemVector("empty"); err != nil {
		t.Fatalf("EraseMemVector empty: %v", err)
	}

	flushed, err := m.FlushAll(5)
	if err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	seen := make(map[string]bool)
	for _, id := range flushed {
		seen[string(id)] = true
	}
	if !seen["orders"] || !seen["users"] {
		t.Fatalf("expected orders and users in FlushAll's output, got %v", flushed)
	}
	if seen["empty"] {
		t.Fatalf("did not expect empty (erased before flush) in FlushAll's output, got %v", flushed)
	}
	if len(flushed) != 2 {
		t.Fatalf("expected exactly 2 flushed tables, got %d: %v", len(flushed), flushed)
	}
}

func segmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
