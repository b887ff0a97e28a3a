package cowmap

import (
	"context"
	"iter"

	"github.com/sharedcode/txmap"
)

// Snapshot returns a copy of the entries visible to the ambient transaction of ctx.
func (m *Map[TK, TV]) Snapshot(ctx context.Context) map[TK]TV {
	o := m.overlayOf(m.current(ctx))
	if o != nil {
		o.enter()
		defer o.exit()
	}
	m.locker.RLock()
	r := make(map[TK]TV, len(m.base))
	for k, v := range m.base {
		r[k] = v
	}
	m.locker.RUnlock()
	if o == nil {
		return r
	}
	for k := range o.tombstones {
		delete(r, k)
	}
	for k, v := range o.puts {
		r[k] = v
	}
	return r
}

// Entries returns the snapshot as key/value pairs, in no particular order.
func (m *Map[TK, TV]) Entries(ctx context.Context) []txmap.KeyValuePair[TK, TV] {
	s := m.Snapshot(ctx)
	r := make([]txmap.KeyValuePair[TK, TV], 0, len(s))
	for k, v := range s {
		r = append(r, txmap.KeyValuePair[TK, TV]{Key: k, Value: v})
	}
	return r
}

// Keys returns the keys visible to the ambient transaction of ctx, in no particular order.
func (m *Map[TK, TV]) Keys(ctx context.Context) []TK {
	s := m.Snapshot(ctx)
	r := make([]TK, 0, len(s))
	for k := range s {
		r = append(r, k)
	}
	return r
}

// All iterates a snapshot taken when iteration starts. The map may be modified while iterating.
func (m *Map[TK, TV]) All(ctx context.Context) iter.Seq2[TK, TV] {
	return func(yield func(TK, TV) bool) {
		for _, e := range m.Entries(ctx) {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}

// Iterator walks a snapshot of the entries visible to one transaction.
// Changes to the map after the snapshot was taken do not affect the iteration.
type Iterator[TK comparable, TV any] struct {
	m       *Map[TK, TV]
	ctx     context.Context
	entries []txmap.KeyValuePair[TK, TV]
	pos     int
	removed bool
}

// Iterator returns an Iterator over a snapshot of the entries visible to the ambient transaction of ctx.
// Remove acts under that same ambient transaction.
func (m *Map[TK, TV]) Iterator(ctx context.Context) *Iterator[TK, TV] {
	return &Iterator[TK, TV]{
		m:       m,
		ctx:     ctx,
		entries: m.Entries(ctx),
		pos:     -1,
	}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator[TK, TV]) Next() bool {
	if it.pos < len(it.entries) {
		it.pos++
	}
	it.removed = false
	return it.pos < len(it.entries)
}

// Len returns the number of entries in the snapshot.
func (it *Iterator[TK, TV]) Len() int {
	return len(it.entries)
}

// Key returns the key of the current entry.
func (it *Iterator[TK, TV]) Key() TK {
	return it.Entry().Key
}

// Value returns the value of the current entry, as of the snapshot.
func (it *Iterator[TK, TV]) Value() TV {
	return it.Entry().Value
}

// Entry returns the current entry. It panics if Next has not returned true.
func (it *Iterator[TK, TV]) Entry() txmap.KeyValuePair[TK, TV] {
	if it.pos < 0 || it.pos >= len(it.entries) {
		panic("cowmap: iterator has no current entry")
	}
	return it.entries[it.pos]
}

// Remove removes the current entry's key from the map, with the same semantics as Map.Remove.
func (it *Iterator[TK, TV]) Remove() {
	e := it.Entry()
	if it.removed {
		panic("cowmap: current entry already removed")
	}
	it.removed = true
	it.m.Remove(it.ctx, e.Key)
}
