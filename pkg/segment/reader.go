package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/vecbufdb/vecbuf/pkg/memtable"
)

// Read opens the segment file at path, validates its footer, and decodes
// its body back into entries plus the footer that describes them.
func Read(path string) (Footer, []memtable.VectorEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Footer{}, nil, fmt.Errorf("failed to read segment file: %w", err)
	}

	footer, bodyLen, err := parseFooter(data)
	if err != nil {
		return Footer{}, nil, err
	}

	body := data[:bodyLen]
	if xxhash.Sum64(body) != footer.BodyChecksum {
		return Footer{}, nil, fmt.Errorf("segment body checksum mismatch for %s", path)
	}

	if footer.BodyCompressed {
		body, err = decompressBody(body)
		if err != nil {
			return Footer{}, nil, fmt.Errorf("failed to decompress segment body: %w", err)
		}
	}

	entries, err := decodeBody(body)
	if err != nil {
		return Footer{}, nil, err
	}
	return footer, entries, nil
}

// parseFooter validates the structural invariants of the trailing footer -
// reject anything whose magic or length fields don't add up before
// trusting the rest of the file - and returns the decoded Footer along
// with how many leading bytes are the (possibly compressed) body.
func parseFooter(data []byte) (Footer, int, error) {
	if len(data) < footerFixedSize {
		return Footer{}, 0, fmt.Errorf("segment file too short to contain a footer")
	}

	fixedStart := len(data) - footerFixedSize
	fixed := data[fixedStart:]

	offset := 0
	magic := binary.LittleEndian.Uint32(fixed[offset:])
	offset += 4
	version := binary.LittleEndian.Uint32(fixed[offset:])
	offset += 4
	lsn := binary.LittleEndian.Uint64(fixed[offset:])
	offset += 8
	tableIdLen := int(binary.LittleEndian.Uint32(fixed[offset:]))
	offset += 4
	dimension := binary.LittleEndian.Uint32(fixed[offset:])
	offset += 4
	vectorCount := binary.LittleEndian.Uint32(fixed[offset:])
	offset += 4
	tombstoneCount := binary.LittleEndian.Uint32(fixed[offset:])
	offset += 4
	checksum := binary.LittleEndian.Uint64(fixed[offset:])
	offset += 8
	compressed := fixed[offset] != 0

	if magic != Magic {
		return Footer{}, 0, fmt.Errorf("bad segment magic %x", magic)
	}
	if version != FormatVersion {
		return Footer{}, 0, fmt.Errorf("unsupported segment version %d", version)
	}

	tableIdStart := fixedStart - tableIdLen
	if tableIdStart < 0 {
		return Footer{}, 0, fmt.Errorf("segment footer table id length overruns file")
	}
	tableId := string(data[tableIdStart:fixedStart])

	footer := Footer{
		Magic:          magic,
		Version:        version,
		LSN:            lsn,
		TableId:        tableId,
		Dimension:      dimension,
		VectorCount:    vectorCount,
		TombstoneCount: tombstoneCount,
		BodyChecksum:   checksum,
		BodyCompressed: compressed,
	}
	return footer, tableIdStart, nil
}

func decodeBody(body []byte) ([]memtable.VectorEntry, error) {
	var entries []memtable.VectorEntry
	offset := 0
	for offset < len(body) {
		if offset+9 > len(body) {
			return nil, fmt.Errorf("truncated segment entry header")
		}
		id := binary.BigEndian.Uint64(body[offset:])
		tombstone := body[offset+8] != 0
		offset += 9

		if tombstone {
			entries = append(entries, memtable.VectorEntry{Id: id, Tombstone: true})
			continue
		}

		if offset+4 > len(body) {
			return nil, fmt.Errorf("truncated segment vector length")
		}
		count := int(binary.LittleEndian.Uint32(body[offset:]))
		offset += 4

		if offset+count*4 > len(body) {
			return nil, fmt.Errorf("truncated segment vector body")
		}
		vec := make([]float32, count)
		for i := 0; i < count; i++ {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[offset:]))
			offset += 4
		}
		entries = append(entries, memtable.VectorEntry{Id: id, Vector: vec})
	}
	return entries, nil
}
