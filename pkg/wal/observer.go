package wal

// EntryObserver receives notifications as the WAL is written, letting
// higher layers (e.g. a future replication or stats tap) watch WAL traffic
// without coupling to it.
type EntryObserver interface {
	// OnEntryWritten fires once per Append, after the record hits the
	// buffered writer but before fsync.
	OnEntryWritten(entry *Entry)

	// OnBatchWritten fires once per AppendBatch with every entry in the
	// batch and the LSN they were all written under.
	OnBatchWritten(lsn uint64, entries []*Entry)

	// OnSync fires after a durable fsync, with the highest LSN now durable.
	OnSync(upToLSN uint64)
}
