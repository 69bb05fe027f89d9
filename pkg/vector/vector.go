// Package vector implements VectorSource: a single-use wrapper over an
// incoming batch of vectors that knows how to stream itself into a
// MemTable and how to report which ids it assigned.
package vector

import (
	"fmt"

	"github.com/google/uuid"
)

// TableId is an opaque, non-empty, byte-wise compared table name.
type TableId = string

// VectorId uniquely identifies a vector within a table.
type VectorId = uint64

// VectorBatch is an ordered sequence of vectors plus an optional parallel
// sequence of ids. An empty Ids slice on input means "assign fresh ids";
// VectorSource fills Ids back in before InsertVectors returns.
type VectorBatch struct {
	Vectors [][]float32
	Ids     []VectorId
}

// Len reports how many vectors are in the batch.
func (b *VectorBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Vectors)
}

// HasIds reports whether the caller supplied ids up front.
func (b *VectorBatch) HasIds() bool {
	return b != nil && len(b.Ids) > 0
}

// Appender is the subset of MemTable that VectorSource writes through,
// kept as an interface so pkg/vector has no import-cycle on pkg/memtable.
type Appender interface {
	AppendVector(id VectorId, vec []float32) error
}

// VectorSource streams one VectorBatch into an Appender exactly once,
// assigning fresh ids when the batch didn't come with any, and retaining
// the ids it used (supplied or assigned) so the caller can recover them,
// as an explicit return value rather than a side channel on the source.
type VectorSource struct {
	batch       *VectorBatch
	assignedIds []VectorId
	consumed    bool
}

// NewVectorSource validates and wraps batch. An empty batch (no vectors) is
// legal and produces a source whose Stream is a no-op.
func NewVectorSource(batch *VectorBatch) (*VectorSource, error) {
	if batch == nil {
		return nil, fmt.Errorf("vector batch must not be nil")
	}
	if batch.HasIds() && len(batch.Ids) != len(batch.Vectors) {
		return nil, fmt.Errorf("id count %d does not match vector count %d", len(batch.Ids), len(batch.Vectors))
	}
	return &VectorSource{batch: batch}, nil
}

// Stream appends every vector in the batch to dst, generating an id per
// vector when the batch came in without any, in order. It is single-use:
// calling Stream a second time returns an error instead of re-appending.
func (s *VectorSource) Stream(dst Appender) error {
	if s.consumed {
		return fmt.Errorf("vector source already consumed")
	}
	s.consumed = true

	assignIds := !s.batch.HasIds()
	s.assignedIds = make([]VectorId, 0, s.batch.Len())

	for i, vec := range s.batch.Vectors {
		var id VectorId
		if assignIds {
			id = newVectorId()
		} else {
			id = s.batch.Ids[i]
		}

		if err := dst.AppendVector(id, vec); err != nil {
			return fmt.Errorf("append vector %d: %w", i, err)
		}
		s.assignedIds = append(s.assignedIds, id)
	}

	if assignIds {
		s.batch.Ids = s.assignedIds
	}

	return nil
}

// AssignedIds returns the ids used for every vector in the batch, in
// order - whether they were supplied by the caller or freshly generated.
// Valid only after Stream has returned successfully.
func (s *VectorSource) AssignedIds() []VectorId {
	return s.assignedIds
}

// newVectorId derives a 64-bit id from the low bits of a fresh random UUID,
// the same id-assignment idiom used throughout the corpus (see DESIGN.md).
func newVectorId() VectorId {
	u := uuid.New()
	var id uint64
	for _, b := range u[8:16] {
		id = (id << 8) | uint64(b)
	}
	return id
}
