package hpack

import (
	"fmt"
	"math"
	"strings"
	"time"

	xhpack "golang.org/x/net/http2/hpack"
)

const (
	// InitialTableSize is the dynamic table's initial byte ceiling
	// (RFC 7541 Section 4.2 default, SETTINGS_HEADER_TABLE_SIZE).
	InitialTableSize = 4096

	// EntryOverhead is the fixed per-entry cost added to name and value
	// lengths when accounting table memory (RFC 7541 Section 4.1).
	EntryOverhead = 32
)

// EntriesForBytes returns the maximum number of entries that could fit in
// a table of the given byte size, every entry costing at least the fixed
// overhead.
func EntriesForBytes(bytes uint32) uint32 {
	return (bytes + EntryOverhead - 1) / EntryOverhead
}

// EntrySize returns a header field's byte cost under the protocol's
// accounting formula.
func EntrySize(f xhpack.HeaderField) uint32 {
	return uint32(len(f.Name)+len(f.Value)) + EntryOverhead
}

// ErrTableSizeExceedsMax is returned when a negotiated table size exceeds
// the connection's hard ceiling. The table is left unchanged.
var ErrTableSizeExceedsMax = fmt.Errorf("hpack: negotiated table size exceeds max bytes")

// ParseStatus records the outcome of parsing the header field a memento
// caches.
type ParseStatus int

const (
	StatusOK ParseStatus = iota
	StatusError
)

// Memento is one cache entry: the decoded header field, its parse status,
// and whether the entry has been looked up (and therefore consumed) since
// insertion.
type Memento struct {
	Field    xhpack.HeaderField
	Status   ParseStatus
	Consumed bool
}

// noTimestamp is the sentinel for "no entry currently carries a
// timestamp". At most one timestamped entry exists at a time, tracked by
// logical index instead of per-entry storage.
const noTimestamp = math.MaxUint32

// mementoRing is a ring buffer of mementos. firstEntry is the logical
// index of the oldest live entry; it increases monotonically and may
// exceed maxEntries, wraparound being a property of the modulo addressing.
type mementoRing struct {
	firstEntry uint32
	numEntries uint32
	maxEntries uint32

	timestampIndex uint32
	timestamp      time.Time

	entries []Memento
}

func newMementoRing() mementoRing {
	max := EntriesForBytes(InitialTableSize)
	return mementoRing{
		maxEntries:     max,
		timestampIndex: noTimestamp,
		entries:        make([]Memento, max),
	}
}

// rebuild replaces the backing array with one of the new capacity, copying
// all live entries across in logical order so relative recency and logical
// indices are preserved. This is the only point where physical capacity
// changes.
func (r *mementoRing) rebuild(maxEntries uint32) {
	if maxEntries == r.maxEntries {
		return
	}
	entries := make([]Memento, maxEntries)
	for i := uint32(0); i < r.numEntries; i++ {
		logical := r.firstEntry + i
		entries[logical%maxEntries] = r.entries[logical%r.maxEntries]
	}
	r.entries = entries
	r.maxEntries = maxEntries
}

// put appends a memento at the write position.
// Requires numEntries < maxEntries.
func (r *mementoRing) put(m Memento) {
	if r.numEntries >= r.maxEntries {
		panic("hpack: put into full memento ring")
	}
	logical := r.firstEntry + r.numEntries
	if r.timestampIndex == noTimestamp {
		r.timestampIndex = logical
		r.timestamp = time.Now()
	}
	r.entries[logical%r.maxEntries] = m
	r.numEntries++
}

// popOne removes and returns the oldest memento.
// Requires numEntries > 0.
func (r *mementoRing) popOne() Memento {
	if r.numEntries == 0 {
		panic("hpack: pop from empty memento ring")
	}
	pos := r.firstEntry % r.maxEntries
	m := r.entries[pos]
	r.entries[pos] = Memento{}
	if r.firstEntry == r.timestampIndex {
		entryLifetime.Observe(time.Since(r.timestamp).Seconds())
		r.timestampIndex = noTimestamp
	}
	r.firstEntry++
	r.numEntries--
	return m
}

// lookup returns the entry at the given recency index (0 is the most
// recently added), or nil if out of the live range. Lookup marks the entry
// consumed for eviction accounting.
func (r *mementoRing) lookup(index uint32) *Memento {
	if index >= r.numEntries {
		return nil
	}
	logical := r.firstEntry + r.numEntries - 1 - index
	m := &r.entries[logical%r.maxEntries]
	m.Consumed = true
	return m
}

// peek is lookup without the consumption side effect.
func (r *mementoRing) peek(index uint32) *Memento {
	if index >= r.numEntries {
		return nil
	}
	logical := r.firstEntry + r.numEntries - 1 - index
	return &r.entries[logical%r.maxEntries]
}

// forEach visits live entries oldest first.
func (r *mementoRing) forEach(f func(logical uint32, m *Memento)) {
	for i := uint32(0); i < r.numEntries; i++ {
		logical := r.firstEntry + i
		f(logical, &r.entries[logical%r.maxEntries])
	}
}

// Table is the HPACK header table: the shared read-only static table plus
// a per-direction dynamic table. A table is owned by exactly one direction
// of exactly one connection and mutated only by the codec filter
// processing that direction's header stream in order; it requires no
// locking.
type Table struct {
	// memUsed is the table's memory use according to the hpack accounting
	// formula. Invariant: memUsed <= currentTableBytes <= maxBytes.
	memUsed uint32
	// maxBytes is the hard ceiling, normally set once per connection from
	// negotiated settings.
	maxBytes uint32
	// currentTableBytes is the currently agreed size; it may be lowered
	// transiently and later raised back up to maxBytes.
	currentTableBytes uint32

	entries mementoRing
}

// NewTable returns a table at the protocol's initial size.
func NewTable() *Table {
	return &Table{
		maxBytes:          InitialTableSize,
		currentTableBytes: InitialTableSize,
		entries:           newMementoRing(),
	}
}

// Lookup resolves a wire index to its memento without copying. Indices
// 1..LastStaticEntry address the static table; larger indices address the
// dynamic table, most recent first. Returns nil for index 0, evicted or
// out-of-range indices. Dynamic lookups mark the entry consumed.
func (t *Table) Lookup(index uint32) *Memento {
	if index == 0 {
		return nil
	}
	if index <= LastStaticEntry {
		return &staticTable()[index-1]
	}
	return t.entries.lookup(index - LastStaticEntry - 1)
}

// Peek is Lookup without consumption tracking.
func (t *Table) Peek(index uint32) *Memento {
	if index == 0 {
		return nil
	}
	if index <= LastStaticEntry {
		return &staticTable()[index-1]
	}
	return t.entries.peek(index - LastStaticEntry - 1)
}

// Add inserts a memento into the dynamic table, evicting oldest-first
// until it fits. Returns false when the entry's own cost exceeds the
// current table size: the table ends up empty and the entry is not
// retained (it remains referenceable by the caller only for the duration
// of the current operation).
func (t *Table) Add(m Memento) bool {
	cost := EntrySize(m.Field)
	if cost > t.currentTableBytes {
		t.AddLargerThanCurrentTableSize()
		return false
	}
	for t.memUsed+cost > t.currentTableBytes {
		t.evictOne()
	}
	t.entries.put(m)
	t.memUsed += cost
	return true
}

// AddLargerThanCurrentTableSize applies the protocol's "too large to
// cache" rule: the table is emptied and nothing is retained.
func (t *Table) AddLargerThanCurrentTableSize() {
	for t.entries.numEntries > 0 {
		t.evictOne()
	}
}

func (t *Table) evictOne() {
	m := t.entries.popOne()
	cost := EntrySize(m.Field)
	if cost > t.memUsed {
		panic("hpack: eviction accounting underflow")
	}
	t.memUsed -= cost
	if !m.Consumed {
		entriesEvictedUnused.Inc()
	}
}

// SetMaxBytes adjusts the hard ceiling. Lowering it below the currently
// agreed size lowers that too, evicting as needed.
func (t *Table) SetMaxBytes(maxBytes uint32) {
	if t.maxBytes == maxBytes {
		return
	}
	t.maxBytes = maxBytes
	if t.currentTableBytes > maxBytes {
		t.setCurrentTableBytes(maxBytes)
	}
}

// SetCurrentTableSize adjusts the currently agreed table size. Requesting
// a size above the hard ceiling is an error and leaves the table state
// unchanged.
func (t *Table) SetCurrentTableSize(bytes uint32) error {
	if bytes == t.currentTableBytes {
		return nil
	}
	if bytes > t.maxBytes {
		return fmt.Errorf("%w: %d > %d", ErrTableSizeExceedsMax, bytes, t.maxBytes)
	}
	t.setCurrentTableBytes(bytes)
	return nil
}

func (t *Table) setCurrentTableBytes(bytes uint32) {
	t.currentTableBytes = bytes
	for t.memUsed > bytes {
		t.evictOne()
	}
	t.entries.rebuild(EntriesForBytes(bytes))
	tableSizeBytes.Set(float64(bytes))
}

// NumEntries returns the current entry count of the dynamic table.
func (t *Table) NumEntries() uint32 { return t.entries.numEntries }

// MemUsed returns the table's current memory use under the accounting
// formula.
func (t *Table) MemUsed() uint32 { return t.memUsed }

// MaxBytes returns the hard ceiling.
func (t *Table) MaxBytes() uint32 { return t.maxBytes }

// CurrentTableBytes returns the currently agreed table size.
func (t *Table) CurrentTableBytes() uint32 { return t.currentTableBytes }

// DynamicTableAsString dumps the live dynamic entries for debugging,
// oldest first.
func (t *Table) DynamicTableAsString() string {
	var b strings.Builder
	t.entries.forEach(func(logical uint32, m *Memento) {
		fmt.Fprintf(&b, "%d: %s: %s\n", logical, m.Field.Name, m.Field.Value)
	})
	return b.String()
}
