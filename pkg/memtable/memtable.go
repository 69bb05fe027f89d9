// Package memtable implements MemTable: an in-memory table holding exactly
// one table's newest, not-yet-flushed vectors, promoted Mutable ->
// Immutable -> Serialized as pkg/manager drains it.
//
// Skip-list-backed storage, snapshot iterators, and an atomic immutability
// flag sit underneath a VectorId-keyed vector payload. A vector id is
// encoded as an 8-byte big-endian key; a vector is encoded as its float32
// components in IEEE-754 little-endian order, so the underlying skip list
// stays a purely byte-oriented structure.
package memtable

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vecbufdb/vecbuf/pkg/vector"
	"github.com/vecbufdb/vecbuf/pkg/wal"
)

// MemTable is an in-memory table of vectors for a single TableId.
type MemTable struct {
	tableId      vector.TableId
	dimension    int
	skipList     *SkipList
	nextSeqNum   atomic.Uint64
	creationTime time.Time
	immutable    atomic.Bool
	mu           sync.RWMutex
}

// NewMemTable creates a new, mutable MemTable for tableId.
func NewMemTable(tableId vector.TableId, dimension int) *MemTable {
	return &MemTable{
		tableId:      tableId,
		dimension:    dimension,
		skipList:     NewSkipList(),
		creationTime: time.Now(),
	}
}

// GetTableId returns the table this MemTable belongs to.
func (m *MemTable) GetTableId() vector.TableId {
	return m.tableId
}

func encodeVectorId(id vector.VectorId) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func decodeVectorId(key []byte) vector.VectorId {
	return binary.BigEndian.Uint64(key)
}

func encodeVector(vec []float32) []byte {
	value := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(value[i*4:], math.Float32bits(f))
	}
	return value
}

func decodeVector(value []byte) []float32 {
	vec := make([]float32, len(value)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(value[i*4:]))
	}
	return vec
}

// Put adds a key-value pair to the MemTable at seqNum. Kept at this level
// of generality (not just vectors) because the skip list, and the tests
// grounding it, are generic key/value - AppendVector below is the
// vector-typed entry point the rest of the module actually calls.
func (m *MemTable) Put(key, value []byte, seqNum uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsImmutable() {
		return
	}

	m.skipList.Insert(newEntry(key, value, TypeValue, seqNum))

	if next := m.nextSeqNum.Load(); seqNum >= next {
		m.nextSeqNum.Store(seqNum + 1)
	}
}

// Delete marks a key as deleted in the MemTable.
func (m *MemTable) Delete(key []byte, seqNum uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsImmutable() {
		return
	}

	m.skipList.Insert(newEntry(key, nil, TypeDeletion, seqNum))

	if next := m.nextSeqNum.Load(); seqNum >= next {
		m.nextSeqNum.Store(seqNum + 1)
	}
}

// AppendVector implements vector.Appender: it stores vec under id, assigning
// the next internal sequence number. Rejected once the table is immutable.
func (m *MemTable) AppendVector(id vector.VectorId, vec []float32) error {
	if m.IsImmutable() {
		return fmt.Errorf("memtable for table %q is immutable", m.tableId)
	}
	if m.dimension > 0 && len(vec) != m.dimension {
		return fmt.Errorf("vector dimension %d does not match table dimension %d", len(vec), m.dimension)
	}

	seqNum := m.nextSeqNum.Add(1)
	m.Put(encodeVectorId(id), encodeVector(vec), seqNum)
	return nil
}

// DeleteVector tombstones id in this MemTable.
func (m *MemTable) DeleteVector(id vector.VectorId) {
	seqNum := m.nextSeqNum.Add(1)
	m.Delete(encodeVectorId(id), seqNum)
}

// GetVector retrieves the vector stored under id.
// Returns (nil, true) if id exists but has been deleted (tombstone).
// Returns (nil, false) if id does not exist.
// Returns (vec, true) if id exists and has a value.
func (m *MemTable) GetVector(id vector.VectorId) ([]float32, bool) {
	value, found := m.Get(encodeVectorId(id))
	if !found {
		return nil, false
	}
	if value == nil {
		return nil, true
	}
	return decodeVector(value), true
}

// Get retrieves the value associated with the given key.
func (m *MemTable) Get(key []byte) ([]byte, bool) {
	if m.IsImmutable() {
		e := m.skipList.Find(key)
		if e == nil {
			return nil, false
		}
		if e.valueType == TypeDeletion {
			return nil, true
		}
		return e.value, true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.skipList.Find(key)
	if e == nil {
		return nil, false
	}
	if e.valueType == TypeDeletion {
		return nil, true
	}
	return e.value, true
}

// Contains checks if the key exists in the MemTable.
func (m *MemTable) Contains(key []byte) bool {
	if m.IsImmutable() {
		return m.skipList.Find(key) != nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipList.Find(key) != nil
}

// ApproximateSize returns the approximate size of the MemTable in bytes,
// the quantity InsertVectors gates against insert_buffer_size.
func (m *MemTable) ApproximateSize() int64 {
	return m.skipList.ApproximateSize()
}

// Empty reports whether the MemTable holds no entries at all.
func (m *MemTable) Empty() bool {
	return m.ApproximateSize() == 0
}

// SetImmutable marks the MemTable as immutable. After this, raw Put/Delete
// and DeleteVector calls are silently ignored rather than erroring;
// AppendVector still returns an error, since InsertVectors is expected to
// never route writes to an immutable buffer in the first place.
func (m *MemTable) SetImmutable() {
	m.immutable.Store(true)
}

// IsImmutable returns whether the MemTable is immutable.
func (m *MemTable) IsImmutable() bool {
	return m.immutable.Load()
}

// Age returns how long ago this MemTable was created.
func (m *MemTable) Age() time.Duration {
	return time.Since(m.creationTime)
}

// NewIterator returns an iterator over the MemTable's raw key/value entries.
func (m *MemTable) NewIterator() *Iterator {
	if m.IsImmutable() {
		return m.skipList.NewIterator()
	}
	m.mu.RLock()
	snapshotSeq := m.nextSeqNum.Load()
	m.mu.RUnlock()
	return m.skipList.NewIteratorWithSnapshot(snapshotSeq)
}

// GetNextSequenceNumber returns the next internal sequence number to use.
func (m *MemTable) GetNextSequenceNumber() uint64 {
	if m.IsImmutable() {
		return m.nextSeqNum.Load()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextSeqNum.Load()
}

// VectorEntry is a single decoded (id, vector, tombstone) triple, the unit
// Serialize hands to the segment writer.
type VectorEntry struct {
	Id        vector.VectorId
	Vector    []float32
	Tombstone bool
}

// Serialize returns the newest version of every id in the MemTable,
// decoded back into vector form, in id order - the snapshot a Flush hands
// to pkg/segment. A deleted id appears only as its tombstone. Callers are
// expected to only call this once the MemTable is immutable.
func (m *MemTable) Serialize() []VectorEntry {
	it := m.NewIterator()
	var entries []VectorEntry
	var prevId vector.VectorId
	first := true
	for it.SeekToFirst(); it.Valid(); it.Next() {
		id := decodeVectorId(it.Key())
		// Versions of one id sort newest first; older ones are skipped.
		if !first && id == prevId {
			continue
		}
		first, prevId = false, id
		if it.ValueType() == TypeDeletion {
			entries = append(entries, VectorEntry{Id: id, Tombstone: true})
			continue
		}
		entries = append(entries, VectorEntry{Id: id, Vector: decodeVector(it.Value())})
	}
	return entries
}

// ProcessWALEntry applies a replayed WAL entry to the MemTable, used only
// by RecoverFromWAL - the manager itself never touches the WAL directly.
func (m *MemTable) ProcessWALEntry(entry *wal.Entry) error {
	switch entry.Type {
	case wal.OpTypeInsert:
		m.Put(entry.Key, entry.Value, entry.LSN)
	case wal.OpTypeDelete:
		m.Delete(entry.Key, entry.LSN)
	}
	return nil
}
