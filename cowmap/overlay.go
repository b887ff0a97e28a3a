package cowmap

import (
	"fmt"
	"sync/atomic"

	"github.com/sharedcode/txmap"
)

// overlay buffers one transaction's pending writes against one map.
// It is only touched by the goroutine acting for its transaction, so its maps are not locked.
// puts and tombstones never share a key; the last operation on a key wins.
type overlay[TK comparable, TV any] struct {
	transactionID txmap.UUID
	puts          map[TK]TV
	tombstones    map[TK]struct{}
	// cleared is set once the transaction clears the map. Its puts then never fast-forward.
	cleared bool
	inUse   atomic.Int32
}

func newOverlay[TK comparable, TV any](transactionID txmap.UUID) *overlay[TK, TV] {
	return &overlay[TK, TV]{
		transactionID: transactionID,
		puts:          make(map[TK]TV),
		tombstones:    make(map[TK]struct{}),
	}
}

// enter marks the overlay as being worked on and panics if another goroutine already is.
func (o *overlay[TK, TV]) enter() {
	if !o.inUse.CompareAndSwap(0, 1) {
		panic(txmap.Error{
			Code:     txmap.ConcurrentOverlayAccess,
			Err:      fmt.Errorf("overlay of transaction %s is used by two goroutines at once", o.transactionID.String()),
			UserData: o.transactionID,
		})
	}
}

func (o *overlay[TK, TV]) exit() {
	o.inUse.Store(0)
}

// lookup reports the overlay's verdict on key: a pending value, a removal, or nothing.
func (o *overlay[TK, TV]) lookup(key TK) (value TV, found bool, removed bool) {
	if _, ok := o.tombstones[key]; ok {
		return value, false, true
	}
	value, found = o.puts[key]
	return value, found, false
}

func (o *overlay[TK, TV]) touches(key TK) bool {
	if _, ok := o.puts[key]; ok {
		return true
	}
	_, ok := o.tombstones[key]
	return ok
}

func (o *overlay[TK, TV]) put(key TK, value TV) {
	delete(o.tombstones, key)
	o.puts[key] = value
}

func (o *overlay[TK, TV]) remove(key TK) {
	delete(o.puts, key)
	o.tombstones[key] = struct{}{}
}

func (o *overlay[TK, TV]) isEmpty() bool {
	return len(o.puts) == 0 && len(o.tombstones) == 0
}

// changeSet copies the overlay's final per-key fate.
func (o *overlay[TK, TV]) changeSet(mapID string) ChangeSet[TK, TV] {
	cs := ChangeSet[TK, TV]{
		MapID:         mapID,
		TransactionID: o.transactionID,
		Puts:          make([]txmap.KeyValuePair[TK, TV], 0, len(o.puts)),
		Removes:       make([]TK, 0, len(o.tombstones)),
	}
	for k, v := range o.puts {
		cs.Puts = append(cs.Puts, txmap.KeyValuePair[TK, TV]{Key: k, Value: v})
	}
	for k := range o.tombstones {
		cs.Removes = append(cs.Removes, k)
	}
	return cs
}
