// Package wal is vecbuf's write-ahead log. pkg/manager treats it purely as
// an external collaborator: the manager never opens, rotates, or truncates
// a WAL itself, it only receives an LSN as a parameter to Flush. This
// package exists so that LSN actually means something end to end in
// tests, and so TruncateBefore has a concrete implementation for whatever
// recovery tooling eventually needs it.
//
// CRC-checked, fragmenting, batching record format with a
// sequence-overflow guard rail; OpTypeInsert/OpTypeDelete entries,
// identified on the wire by LSN.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vecbufdb/vecbuf/pkg/common/log"
	"github.com/vecbufdb/vecbuf/pkg/config"
)

const (
	// Record types, for fragmentation across the 32KB record ceiling.
	RecordTypeFull   = 1
	RecordTypeFirst  = 2
	RecordTypeMiddle = 3
	RecordTypeLast   = 4

	// Operation types.
	OpTypeInsert = 1
	OpTypeDelete = 2

	// HeaderSize: CRC(4) + Length(2) + Type(1).
	HeaderSize = 7

	// MaxRecordSize is the maximum size of a single record payload.
	MaxRecordSize = 32 * 1024

	// DefaultWALFileSize is the default rotation threshold.
	DefaultWALFileSize = 64 * 1024 * 1024
)

var (
	ErrCorruptRecord     = errors.New("corrupt record")
	ErrInvalidRecordType = errors.New("invalid record type")
	ErrInvalidOpType     = errors.New("invalid operation type")
	ErrWALClosed         = errors.New("WAL is closed")
	ErrWALRotating       = errors.New("WAL is rotating")
	ErrSequenceOverflow  = errors.New("LSN overflow - you've done the impossible")
)

// Entry is a logical record in the WAL: an insert or delete of a vector id
// within a table, correlated to the LSN it was assigned.
type Entry struct {
	LSN   uint64
	Type  uint8 // OpTypeInsert or OpTypeDelete
	Key   []byte
	Value []byte
}

// DisableRecoveryLogs silences the informational log lines ReuseWAL
// otherwise emits when it cannot reuse the latest file.
var DisableRecoveryLogs bool = false

const (
	statusActive   = 0
	statusRotating = 1
	statusClosed   = 2
)

// Reserve headroom before the theoretical uint64 ceiling so a long-running
// manager gets a chance to shut down gracefully instead of wrapping.
const (
	MaxSequenceNumber        = math.MaxUint64 - 1_000_000
	SequenceWarningThreshold = math.MaxUint64 - 10_000_000
)

// WAL is a single append-only log file (plus however many rotated
// predecessors share its directory).
type WAL struct {
	cfg             *config.Config
	dir             string
	file            *os.File
	writer          *bufio.Writer
	nextSequence    uint64
	bytesWritten    int64
	lastSync        time.Time
	batchByteSize   int64
	status          int32
	overflowWarning bool
	mu              sync.Mutex

	observers   map[string]EntryObserver
	observersMu sync.RWMutex
}

// NewWAL creates a fresh write-ahead log file under dir.
func NewWAL(cfg *config.Config, dir string) (*WAL, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("WAL directory creation failed: %s does not exist after MkdirAll", dir)
	}

	filename := fmt.Sprintf("%020d.wal", time.Now().UnixNano())
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}

	return &WAL{
		cfg:          cfg,
		dir:          dir,
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		nextSequence: 1,
		lastSync:     time.Now(),
		status:       statusActive,
		observers:    make(map[string]EntryObserver),
	}, nil
}

// ReuseWAL attempts to reopen the most recent WAL file under dir for
// appending, returning (nil, nil) if none is suitable.
func ReuseWAL(cfg *config.Config, dir string, nextSeq uint64) (*WAL, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	files, err := FindWALFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to find WAL files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	latestWAL := files[len(files)-1]

	file, err := os.OpenFile(latestWAL, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		if !DisableRecoveryLogs {
			log.Info("cannot open latest WAL for append: %v", err)
		}
		return nil, nil
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	maxWALSize := int64(DefaultWALFileSize)
	if cfg.WALMaxSize > 0 {
		maxWALSize = cfg.WALMaxSize
	}

	if stat.Size() >= maxWALSize {
		file.Close()
		if !DisableRecoveryLogs {
			log.Info("latest WAL file too large to reuse (%d bytes)", stat.Size())
		}
		return nil, nil
	}

	return &WAL{
		cfg:          cfg,
		dir:          dir,
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		nextSequence: nextSeq,
		bytesWritten: stat.Size(),
		lastSync:     time.Now(),
		status:       statusActive,
		observers:    make(map[string]EntryObserver),
	}, nil
}

// Append adds an entry to the WAL and returns the LSN it was assigned.
func (w *WAL) Append(entryType uint8, key, value []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return 0, err
	}
	if entryType != OpTypeInsert && entryType != OpTypeDelete {
		return 0, ErrInvalidOpType
	}
	if w.nextSequence >= MaxSequenceNumber {
		return 0, ErrSequenceOverflow
	}
	w.warnIfNearOverflow(w.nextSequence)

	seqNum := w.nextSequence
	w.nextSequence++

	if err := w.writeEntryRecord(entryType, seqNum, key, value); err != nil {
		return 0, err
	}

	w.notifyEntryObservers(&Entry{LSN: seqNum, Type: entryType, Key: key, Value: value})

	if err := w.maybeSync(); err != nil {
		return 0, err
	}
	return seqNum, nil
}

// AppendBatch adds a batch of entries to the WAL atomically under a single LSN.
func (w *WAL) AppendBatch(entries []*Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return w.nextSequence, nil
	}
	if w.nextSequence >= MaxSequenceNumber {
		return 0, ErrSequenceOverflow
	}
	w.warnIfNearOverflow(w.nextSequence)

	startSeqNum := w.nextSequence

	totalSize := 0
	for _, entry := range entries {
		totalSize += HeaderSize + entryPayloadSize(entry.Type, entry.Key, entry.Value)
	}

	if err := w.ensureBufferCapacity(totalSize); err != nil {
		return 0, err
	}

	for i, entry := range entries {
		if err := w.writeRecord(RecordTypeFull, entry.Type, startSeqNum, entry.Key, entry.Value); err != nil {
			return 0, fmt.Errorf("failed to write entry %d: %w", i, err)
		}
	}

	w.nextSequence = startSeqNum + 1
	w.notifyBatchObservers(startSeqNum, entries)

	if err := w.maybeSync(); err != nil {
		return 0, err
	}
	return startSeqNum, nil
}

func (w *WAL) writeEntryRecord(entryType uint8, seqNum uint64, key, value []byte) error {
	entrySize := entryPayloadSize(entryType, key, value)
	if entrySize <= MaxRecordSize {
		return w.writeRecord(RecordTypeFull, entryType, seqNum, key, value)
	}
	return w.writeFragmentedRecord(entryType, seqNum, key, value)
}

func entryPayloadSize(entryType uint8, key, value []byte) int {
	size := 1 + 8 + 4 + len(key) // type + seq + keylen + key
	if entryType != OpTypeDelete {
		size += 4 + len(value)
	}
	return size
}

func (w *WAL) ensureBufferCapacity(totalSize int) error {
	currentBufferSize := w.writer.Size()
	availableSpace := currentBufferSize - w.writer.Buffered()

	if totalSize <= availableSpace {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer before batch: %w", err)
	}
	if totalSize > currentBufferSize {
		w.writer = bufio.NewWriterSize(w.file, totalSize+1024)
	}
	return nil
}

func (w *WAL) checkWritable() error {
	status := atomic.LoadInt32(&w.status)
	if status == statusClosed {
		return ErrWALClosed
	}
	if status == statusRotating {
		return ErrWALRotating
	}
	return nil
}

func (w *WAL) warnIfNearOverflow(seqNum uint64) {
	if seqNum >= SequenceWarningThreshold && !w.overflowWarning {
		w.overflowWarning = true
		log.Warn("LSN %d is approaching the uint64 ceiling; plan a WAL rotation/migration", seqNum)
	}
}

// writeRecord encodes a single logical entry, splitting into fragments only
// via writeFragmentedRecord when it won't fit in one record.
func (w *WAL) writeRecord(recordType uint8, entryType uint8, seqNum uint64, key, value []byte) error {
	payloadSize := entryPayloadSize(entryType, key, value)
	if payloadSize > MaxRecordSize {
		return fmt.Errorf("record too large: %d > %d", payloadSize, MaxRecordSize)
	}

	payload := make([]byte, payloadSize)
	offset := 0

	payload[offset] = entryType
	offset++

	binary.LittleEndian.PutUint64(payload[offset:offset+8], seqNum)
	offset += 8

	binary.LittleEndian.PutUint32(payload[offset:offset+4], uint32(len(key)))
	offset += 4
	copy(payload[offset:], key)
	offset += len(key)

	if entryType != OpTypeDelete {
		binary.LittleEndian.PutUint32(payload[offset:offset+4], uint32(len(value)))
		offset += 4
		copy(payload[offset:], value)
	}

	return w.writeRawRecord(recordType, payload)
}

func (w *WAL) writeRawRecord(recordType uint8, data []byte) error {
	if len(data) > MaxRecordSize {
		return fmt.Errorf("record too large: %d > %d", len(data), MaxRecordSize)
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(data)))
	header[6] = recordType

	crc := crc32.ChecksumIEEE(data)
	binary.LittleEndian.PutUint32(header[0:4], crc)

	return w.writeRecordData(header, data)
}

func (w *WAL) writeRecordData(header, payload []byte) error {
	if _, err := w.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}

	w.bytesWritten += int64(len(header) + len(payload))
	w.batchByteSize += int64(len(header) + len(payload))
	return nil
}

func (w *WAL) writeFragmentedRecord(entryType uint8, seqNum uint64, key, value []byte) error {
	headerSize := 1 + 8 + 4
	maxKeyInFirst := MaxRecordSize - headerSize
	keyInFirst := min(len(key), maxKeyInFirst)

	firstFragment := make([]byte, headerSize+keyInFirst)
	offset := 0

	firstFragment[offset] = entryType
	offset++
	binary.LittleEndian.PutUint64(firstFragment[offset:offset+8], seqNum)
	offset += 8
	binary.LittleEndian.PutUint32(firstFragment[offset:offset+4], uint32(len(key)))
	offset += 4
	copy(firstFragment[offset:], key[:keyInFirst])

	if err := w.writeRawRecord(uint8(RecordTypeFirst), firstFragment); err != nil {
		return err
	}

	var remaining []byte
	if keyInFirst < len(key) {
		remaining = append(remaining, key[keyInFirst:]...)
	}
	if entryType != OpTypeDelete {
		valueLenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(valueLenBuf, uint32(len(value)))
		remaining = append(remaining, valueLenBuf...)
		remaining = append(remaining, value...)
	}

	for len(remaining) > MaxRecordSize {
		chunk := remaining[:MaxRecordSize]
		remaining = remaining[MaxRecordSize:]
		if err := w.writeRawRecord(uint8(RecordTypeMiddle), chunk); err != nil {
			return err
		}
	}

	if len(remaining) > 0 {
		if err := w.writeRawRecord(uint8(RecordTypeLast), remaining); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) maybeSync() error {
	needSync := false
	switch w.cfg.WALSyncMode {
	case config.SyncImmediate:
		needSync = true
	case config.SyncBatch:
		if w.batchByteSize >= w.cfg.WALSyncBytes {
			needSync = true
		}
	case config.SyncNone:
	}

	if needSync {
		return w.syncLocked()
	}
	return nil
}

func (w *WAL) syncLocked() error {
	if err := w.checkWritable(); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}

	w.lastSync = time.Now()
	w.batchByteSize = 0
	w.notifySyncObservers(w.nextSequence - 1)
	return nil
}

// Sync flushes all buffered data to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// Close flushes, syncs, and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if atomic.LoadInt32(&w.status) == statusClosed {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer during close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file during close: %w", err)
	}

	atomic.StoreInt32(&w.status, statusRotating)
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	atomic.StoreInt32(&w.status, statusClosed)
	return nil
}

func (w *WAL) SetRotating() { atomic.StoreInt32(&w.status, statusRotating) }
func (w *WAL) SetActive()   { atomic.StoreInt32(&w.status, statusActive) }

// UpdateNextSequence advances nextSequence past nextSeq, used after
// recovery so new entries never reuse an LSN a recovered buffer already saw.
func (w *WAL) UpdateNextSequence(nextSeq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if nextSeq > w.nextSequence {
		w.warnIfNearOverflow(nextSeq)
		w.nextSequence = nextSeq
	}
}

// GetNextSequence returns the LSN that will be assigned to the next entry.
func (w *WAL) GetNextSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSequence
}

// TruncateBefore removes every rotated WAL file whose entries are entirely
// at or before lsn, i.e. every file that precedes the current active one
// and has been fully superseded by a durable flush up to lsn. It never
// touches the currently active file. Grounded on decoesp-escabelo's
// engine.flush() WAL truncation, gated the same way: callers are expected
// to only invoke this once everything up to lsn is durably serialized.
func (w *WAL) TruncateBefore(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := FindWALFiles(w.dir)
	if err != nil {
		return fmt.Errorf("failed to find WAL files: %w", err)
	}

	currentFileName := filepath.Base(w.file.Name())

	for _, file := range files {
		if filepath.Base(file) == currentFileName {
			continue
		}

		maxLSN, err := maxSequenceInFile(file)
		if err != nil {
			log.Warn("skipping truncation of unreadable WAL file %s: %v", file, err)
			continue
		}
		if maxLSN > lsn {
			continue
		}
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove truncated WAL file %s: %w", file, err)
		}
	}
	return nil
}

func maxSequenceInFile(filename string) (uint64, error) {
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
				break
			}
			if strings.Contains(err.Error(), "corrupt") || strings.Contains(err.Error(), "invalid") {
				continue
			}
			return maxLSN, err
		}
		if entry.LSN > maxLSN {
			maxLSN = entry.LSN
		}
	}
	return maxLSN, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RegisterObserver adds an observer to be notified of WAL activity.
func (w *WAL) RegisterObserver(id string, observer EntryObserver) {
	if observer == nil {
		return
	}
	w.observersMu.Lock()
	defer w.observersMu.Unlock()
	w.observers[id] = observer
}

// UnregisterObserver removes a previously registered observer.
func (w *WAL) UnregisterObserver(id string) {
	w.observersMu.Lock()
	defer w.observersMu.Unlock()
	delete(w.observers, id)
}

func (w *WAL) notifyEntryObservers(entry *Entry) {
	w.observersMu.RLock()
	defer w.observersMu.RUnlock()
	for _, observer := range w.observers {
		observer.OnEntryWritten(entry)
	}
}

func (w *WAL) notifyBatchObservers(startSeq uint64, entries []*Entry) {
	w.observersMu.RLock()
	defer w.observersMu.RUnlock()
	for _, observer := range w.observers {
		observer.OnBatchWritten(startSeq, entries)
	}
}

func (w *WAL) notifySyncObservers(upToSeq uint64) {
	w.observersMu.RLock()
	defer w.observersMu.RUnlock()
	for _, observer := range w.observers {
		observer.OnSync(upToSeq)
	}
}

// GetEntriesFrom retrieves every WAL entry with LSN >= sequenceNumber,
// across rotated files in chronological order.
func (w *WAL) GetEntriesFrom(sequenceNumber uint64) ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if atomic.LoadInt32(&w.status) == statusClosed {
		return nil, ErrWALClosed
	}
	if sequenceNumber >= w.nextSequence {
		return []*Entry{}, nil
	}

	if err := w.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush WAL buffer: %w", err)
	}

	files, err := FindWALFiles(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to find WAL files: %w", err)
	}

	currentFilePath := w.file.Name()
	currentFileName := filepath.Base(currentFilePath)

	var result []*Entry
	for _, file := range files {
		if filepath.Base(file) == currentFileName {
			continue
		}
		fileEntries, err := w.getEntriesFromFile(file, sequenceNumber)
		if err != nil {
			continue
		}
		result = append(result, fileEntries...)
	}

	currentEntries, err := w.getEntriesFromFile(currentFilePath, sequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries from current WAL file: %w", err)
	}
	result = append(result, currentEntries...)

	return result, nil
}

func (w *WAL) getEntriesFromFile(filename string, minSequence uint64) ([]*Entry, error) {
	reader, err := OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader for %s: %w", filename, err)
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.ReadEntry()
		if err != nil {
			if err == io.EOF {
				break
			}
			if strings.Contains(err.Error(), "corrupt") || strings.Contains(err.Error(), "invalid") {
				continue
			}
			return entries, err
		}
		if entry.LSN >= minSequence {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
