// Package cache implements the primary-key-indexed authoritative row
// cache. It is deliberately not thread-safe: the source hub is the
// cache's single writer by construction, and every access, including the
// snapshot walk in hub.Subscribe, happens while holding the hub's mutex.
package cache

import (
	"fmt"

	"github.com/tycoworks/tycostream/internal/wire"
)

// Cache is a primary-key to Row map with shallow-copy-on-write semantics.
type Cache struct {
	pkField string
	rows    map[string]wire.Row
}

// New creates an empty cache keyed on the given primary key field.
func New(pkField string) *Cache {
	return &Cache{
		pkField: pkField,
		rows:    make(map[string]wire.Row),
	}
}

// Set stores a shallow copy of row keyed by its primary key field. Returns
// false (and does not store) if the primary key field is missing or nil.
func (c *Cache) Set(row wire.Row) bool {
	pk, ok := pkString(row, c.pkField)
	if !ok {
		return false
	}
	c.rows[pk] = row.Clone()
	return true
}

// Delete removes the entry matching row's primary key. A no-op if the
// primary key is missing, nil, or not present in the cache.
func (c *Cache) Delete(row wire.Row) {
	pk, ok := pkString(row, c.pkField)
	if !ok {
		return
	}
	delete(c.rows, pk)
}

// Get returns the cached row for a raw (already-stringified) primary key,
// and whether it was found.
func (c *Cache) Get(pk string) (wire.Row, bool) {
	row, ok := c.rows[pk]
	return row, ok
}

// GetByRow returns the cached entry matching row's primary key field.
func (c *Cache) GetByRow(row wire.Row) (wire.Row, bool) {
	pk, ok := pkString(row, c.pkField)
	if !ok {
		return nil, false
	}
	return c.Get(pk)
}

// Len returns the number of rows currently cached.
func (c *Cache) Len() int { return len(c.rows) }

// AllRows returns the live reference collection. Callers must treat entries
// as immutable: this is not a defensive copy.
func (c *Cache) AllRows() map[string]wire.Row {
	return c.rows
}

// Clear empties the cache, used on hub disposal.
func (c *Cache) Clear() {
	c.rows = make(map[string]wire.Row)
}

func pkString(row wire.Row, field string) (string, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", false
	}
	return toKeyString(v), true
}

// toKeyString renders a decoded primary-key value as a stable map key.
// Strings are used as-is; any other decoded value (int64, float64, bool,
// time.Time) is rendered with fmt's %v.
func toKeyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
