package wal

import (
	"fmt"
	"io"
)

// ReplayWALDir reads every WAL file under dir in chronological order and
// invokes handler with each entry in the order it was written, returning
// the highest LSN observed. Corrupt trailing records (a crash mid-write) are tolerated and
// stop replay of that file rather than failing the whole directory, the
// same tolerance pkg/memtable's recovery path relies on.
func ReplayWALDir(dir string, handler func(*Entry) error) (uint64, error) {
	files, err := FindWALFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to find WAL files: %w", err)
	}

	var maxLSN uint64
	for _, file := range files {
		lsn, err := replayFile(file, handler)
		if err != nil {
			return maxLSN, fmt.Errorf("replay %s: %w", file, err)
		}
		if lsn > maxLSN {
			maxLSN = lsn
		}
	}
	return maxLSN, nil
}

func replayFile(filename string, handler func(*Entry) error) (uint64, error) {
	reader, err := OpenReader(filename)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	var maxLSN uint64
	for {
		entry, err := reader.ReadEntry()
		if err != nil {
			if err == io.EOF {
				return maxLSN, nil
			}
			// A corrupt tail record means the process crashed mid-write;
			// stop replaying this file but keep what we recovered.
			return maxLSN, nil
		}
		if err := handler(entry); err != nil {
			return maxLSN, fmt.Errorf("handler rejected LSN %d: %w", entry.LSN, err)
		}
		if entry.LSN > maxLSN {
			maxLSN = entry.LSN
		}
	}
}
