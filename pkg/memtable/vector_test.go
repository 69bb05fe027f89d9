package memtable

import (
	"testing"

	"github.com/vecbufdb/vecbuf/pkg/vector"
)

func TestMemTableAppendAndGetVector(t *testing.T) {
	mt := NewMemTable("orders", 3)

	if err := mt.AppendVector(1, []float32{1, 2, 3}); err != nil {
		t.Fatalf("AppendVector: %v", err)
	}

	got, found := mt.GetVector(1)
	if !found {
		t.Fatal("expected vector 1 to be found")
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("unexpected vector roundtrip: %v", got)
	}
}

func TestMemTableRejectsWrongDimension(t *testing.T) {
	mt := NewMemTable("orders", 3)

	if err := mt.AppendVector(1, []float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestMemTableDeleteVectorTombstones(t *testing.T) {
	mt := NewMemTable("orders", 2)

	if err := mt.AppendVector(5, []float32{1, 1}); err != nil {
		t.Fatalf("AppendVector: %v", err)
	}
	mt.DeleteVector(5)

	vec, found := mt.GetVector(5)
	if !found {
		t.Fatal("expected tombstone to still be found")
	}
	if vec != nil {
		t.Errorf("expected nil vector for tombstoned id, got %v", vec)
	}
}

func TestMemTableImmutableRejectsWrites(t *testing.T) {
	mt := NewMemTable("orders", 2)
	mt.SetImmutable()

	if err := mt.AppendVector(1, []float32{1, 1}); err == nil {
		t.Fatal("expected error appending to immutable memtable")
	}
}

func TestMemTableSerializeOrdersById(t *testing.T) {
	mt := NewMemTable("orders", 1)

	if err := mt.AppendVector(3, []float32{3}); err != nil {
		t.Fatalf("AppendVector: %v", err)
	}
	if err := mt.AppendVector(1, []float32{1}); err != nil {
		t.Fatalf("AppendVector: %v", err)
	}
	mt.DeleteVector(2)
	mt.SetImmutable()

	entries := mt.Serialize()
	if len(entries) != 3 {
		t.Fatalf("expected 3 serialized entries, got %d", len(entries))
	}

	var ids []vector.VectorId
	for _, e := range entries {
		ids = append(ids, e.Id)
	}
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("expected ids in ascending order [1 2 3], got %v", ids)
	}
	if !entries[1].Tombstone {
		t.Errorf("expected id 2 to be a tombstone")
	}
}

func TestMemTableEmpty(t *testing.T) {
	mt := NewMemTable("orders", 1)
	if !mt.Empty() {
		t.Error("expected fresh memtable to be empty")
	}
	mt.AppendVector(1, []float32{1})
	if mt.Empty() {
		t.Error("expected memtable to be non-empty after a write")
	}
}
