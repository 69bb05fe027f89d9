// Package segment is the durable flush target MemManager hands a
// serialized MemTable to: something has to receive Flush's output for the
// promotion state machine - Mutable -> Immutable -> Serialized - to mean
// anything end to end.
//
// A magic/version/footer framing with structural validation on every
// untrusted field, generalized from sorted key/value blocks to a flat,
// id-ordered vector body. The body is checksummed with xxhash and
// optionally zstd-compressed.
package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/vecbufdb/vecbuf/pkg/memtable"
	"github.com/vecbufdb/vecbuf/pkg/vector"
)

// Magic identifies a vecbuf segment file.
const Magic uint32 = 0x56454342 // "VECB"

// FormatVersion is the on-disk segment format version.
const FormatVersion uint32 = 1

// Footer is the trailer every segment file ends with, read first on open
// so a reader never has to scan the whole body to find its own metadata.
type Footer struct {
	Magic           uint32
	Version         uint32
	LSN             uint64
	TableId         string
	Dimension       uint32
	VectorCount     uint32
	TombstoneCount  uint32
	BodyChecksum    uint64
	BodyCompressed  bool
}

// footerFixedSize is every Footer field laid out at a constant offset
// from the end of the file: magic, version, lsn, tableIdLen, dimension,
// vectorCount, tombstoneCount, checksum, compressed-flag. TableId's bytes
// themselves sit just before this block, sized by tableIdLen - reading a
// segment's footer is then: read the last footerFixedSize bytes, learn
// tableIdLen from them, and the TableId bytes are immediately before that.
const footerFixedSize = 4 + 4 + 8 + 4 + 4 + 4 + 4 + 8 + 1

// Write serializes memTable's current contents (it must already be
// immutable) as a new segment file under dir, named by lsn so segments
// sort chronologically on disk, and returns the path written.
func Write(dir string, tableId vector.TableId, dimension int, lsn uint64, memTable *memtable.MemTable, compress bool) (string, error) {
	if !memTable.IsImmutable() {
		return "", fmt.Errorf("refusing to serialize a mutable memtable for table %q", tableId)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create segment directory: %w", err)
	}

	entries := memTable.Serialize()

	body, vectorCount, tombstoneCount, err := encodeBody(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode segment body: %w", err)
	}

	if compress {
		body, err = compressBody(body)
		if err != nil {
			return "", fmt.Errorf("failed to compress segment body: %w", err)
		}
	}

	footer := Footer{
		Magic:          Magic,
		Version:        FormatVersion,
		LSN:            lsn,
		TableId:        tableId,
		Dimension:      uint32(dimension),
		VectorCount:    vectorCount,
		TombstoneCount: tombstoneCount,
		BodyChecksum:   xxhash.Sum64(body),
		BodyCompressed: compress,
	}

	path := filepath.Join(dir, fmt.Sprintf("%020d.seg", lsn))
	if err := writeFile(path, body, footer); err != nil {
		return "", err
	}
	return path, nil
}

func encodeBody(entries []memtable.VectorEntry) (body []byte, vectorCount, tombstoneCount uint32, err error) {
	buf := make([]byte, 0, 1024)
	for _, e := range entries {
		idBuf := make([]byte, 9)
		binary.BigEndian.PutUint64(idBuf, e.Id)
		if e.Tombstone {
			idBuf[8] = 1
			tombstoneCount++
		} else {
			idBuf[8] = 0
			vectorCount++
		}
		buf = append(buf, idBuf...)

		if !e.Tombstone {
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(e.Vector)))
			buf = append(buf, lenBuf...)
			for _, f := range e.Vector {
				var fb [4]byte
				binary.LittleEndian.PutUint32(fb[:], math.Float32bits(f))
				buf = append(buf, fb[:]...)
			}
		}
	}
	return buf, vectorCount, tombstoneCount, nil
}

func compressBody(body []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(body, nil), nil
}

func decompressBody(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(body, nil)
}

func writeFile(path string, body []byte, footer Footer) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write segment body: %w", err)
	}
	if err := writeFooter(w, footer); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment file: %w", err)
	}
	return file.Sync()
}

func writeFooter(w io.Writer, f Footer) error {
	tableIdBytes := []byte(f.TableId)
	if _, err := w.Write(tableIdBytes); err != nil {
		return err
	}

	fixed := make([]byte, footerFixedSize)
	offset := 0
	binary.LittleEndian.PutUint32(fixed[offset:], f.Magic)
	offset += 4
	binary.LittleEndian.PutUint32(fixed[offset:], f.Version)
	offset += 4
	binary.LittleEndian.PutUint64(fixed[offset:], f.LSN)
	offset += 8
	binary.LittleEndian.PutUint32(fixed[offset:], uint32(len(tableIdBytes)))
	offset += 4
	binary.LittleEndian.PutUint32(fixed[offset:], f.Dimension)
	offset += 4
	binary.LittleEndian.PutUint32(fixed[offset:], f.VectorCount)
	offset += 4
	binary.LittleEndian.PutUint32(fixed[offset:], f.TombstoneCount)
	offset += 4
	binary.LittleEndian.PutUint64(fixed[offset:], f.BodyChecksum)
	offset += 8
	if f.BodyCompressed {
		fixed[offset] = 1
	}

	_, err := w.Write(fixed)
	return err
}
