// Package catalog is a minimal metadata catalog mapping table identifiers
// to schema and storage paths. MemManager and MemTable only ever read
// from it; nothing in this module writes to it except Register.
package catalog

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Schema is everything a MemTable needs to know about its table besides
// the vectors it's holding: the vector dimension, and where a segment for
// it should be written.
type Schema struct {
	TableId    string
	Dimension  int
	SegmentDir string
}

// Catalog resolves table ids to schemas. It is shared, read-mostly state;
// concurrent Lookup calls never block each other, while a Register briefly
// excludes them.
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	baseDir string
}

// New creates a Catalog that places every table's segment directory under
// baseDir.
func New(baseDir string) *Catalog {
	return &Catalog{
		schemas: make(map[string]Schema),
		baseDir: baseDir,
	}
}

// Register records the schema for tableId, with SegmentDir set to
// baseDir/tableId. Re-registering a table overwrites its
// schema; callers are expected to register before first use.
func (c *Catalog) Register(tableId string, dimension int) Schema {
	c.mu.Lock()
	defer c.mu.Unlock()

	schema := Schema{
		TableId:    tableId,
		Dimension:  dimension,
		SegmentDir: filepath.Join(c.baseDir, tableId),
	}
	c.schemas[tableId] = schema
	return schema
}

// Lookup returns the schema for tableId, or false if it was never registered.
func (c *Catalog) Lookup(tableId string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	schema, ok := c.schemas[tableId]
	return schema, ok
}

// Resolve returns the schema for tableId, registering a default one with
// the given dimension on first reference. This is the lookup-or-create
// path a table's first insert uses.
func (c *Catalog) Resolve(tableId string, dimension int) (Schema, error) {
	if tableId == "" {
		return Schema{}, fmt.Errorf("table id must not be empty")
	}

	c.mu.RLock()
	schema, ok := c.schemas[tableId]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	return c.Register(tableId, dimension), nil
}
