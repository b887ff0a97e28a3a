// Package cowmap contains a process-wide key/value map that many goroutines read and write
// concurrently under per-request transactional isolation.
//
// Each transaction writing to a Map gets a private overlay of pending puts and removals,
// read through together with the map's shared base. The overlay is merged into the shared
// base when the transaction commits and discarded when it rolls back. A goroutine never sees
// another transaction's uncommitted writes but always sees its own. Concurrent commits are
// resolved last-committer-wins; there is no conflict detection.
//
// The ambient transaction is the one carried by the context passed to each operation, see
// transaction.WithCurrent. Operations under no transaction act directly on the shared base.
package cowmap

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/txmap"
	"github.com/sharedcode/txmap/transaction"
)

// Map is a transactional, copy-on-write map.
type Map[TK comparable, TV any] struct {
	memberID    string
	fastForward bool

	// locker guards base, overlays and pending. An overlay's own contents are not guarded by it.
	locker   sync.RWMutex
	base     map[TK]TV
	overlays map[txmap.UUID]*overlay[TK, TV]
	// pending counts, per key, the live overlays holding a put or tombstone for it.
	pending map[TK]int

	listenersLocker sync.RWMutex
	listeners       []Listener[TK, TV]
}

// Stats is a point in time summary of a Map's internal state.
type Stats struct {
	// BaseSize is the number of committed entries.
	BaseSize int
	// Overlays is the number of transactions holding uncommitted changes.
	Overlays int
	// PendingKeys is the number of distinct keys with uncommitted changes.
	PendingKeys int
}

// New creates a Map seeded with a copy of initial. options.MemberID is required.
func New[TK comparable, TV any](options txmap.MapOptions, initial map[TK]TV, listeners ...Listener[TK, TV]) *Map[TK, TV] {
	if options.MemberID == "" {
		panic("cowmap: MapOptions.MemberID is required")
	}
	base := make(map[TK]TV, len(initial))
	for k, v := range initial {
		base[k] = v
	}
	return &Map[TK, TV]{
		memberID:    options.MemberID,
		fastForward: options.FastForward,
		base:        base,
		overlays:    make(map[txmap.UUID]*overlay[TK, TV]),
		pending:     make(map[TK]int),
		listeners:   listeners,
	}
}

// MemberID returns the ID the map's participant registers under in a transaction.
func (m *Map[TK, TV]) MemberID() string {
	return m.memberID
}

// IsFastForward reports whether puts of brand-new keys bypass the transaction overlay.
func (m *Map[TK, TV]) IsFastForward() bool {
	return m.fastForward
}

// AddListener registers l to be notified of changes published to the shared base.
func (m *Map[TK, TV]) AddListener(l Listener[TK, TV]) {
	m.listenersLocker.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersLocker.Unlock()
}

// Enlist registers the map's participant with tx, if not already registered, and returns it.
// The overlay itself is created on the first write. Writes enlist implicitly, so calling
// Enlist up front only makes the registration explicit.
func (m *Map[TK, TV]) Enlist(tx transaction.Transaction) *Participant[TK, TV] {
	member, err := tx.RegisterMemberIfAbsent(m.memberID, func(string) transaction.Member {
		return newParticipant(m, tx)
	})
	if err != nil {
		panic(err)
	}
	p, ok := member.(*Participant[TK, TV])
	if !ok || p.m != m {
		panic(txmap.Error{
			Code:     txmap.DuplicateMemberID,
			Err:      fmt.Errorf("member ID %s of transaction %s is taken by another member", m.memberID, tx.ID().String()),
			UserData: m.memberID,
		})
	}
	return p
}

// Get returns the value of key as seen by the ambient transaction of ctx.
func (m *Map[TK, TV]) Get(ctx context.Context, key TK) (TV, bool) {
	return m.resolve(m.overlayOf(m.current(ctx)), key)
}

// ContainsKey reports whether key is present as seen by the ambient transaction of ctx.
func (m *Map[TK, TV]) ContainsKey(ctx context.Context, key TK) bool {
	_, ok := m.Get(ctx, key)
	return ok
}

// Put sets key to value and returns the previous value as seen by the ambient transaction.
//
// Under a transaction the write goes to its overlay, unless the map fast-forwards and key is
// neither in the shared base nor pending in any overlay; then it is published to the shared
// base at once, independent of the transaction's outcome. Without a transaction the shared base
// is written directly.
func (m *Map[TK, TV]) Put(ctx context.Context, key TK, value TV) (TV, bool) {
	tx := m.current(ctx)
	if tx == nil {
		return m.putShared(ctx, key, value)
	}
	if m.fastForward && !m.clearedBy(tx) && m.publishNew(ctx, tx.ID(), key, value) {
		var zero TV
		return zero, false
	}
	o := m.attach(tx)
	o.enter()
	defer o.exit()
	prev, ok := m.resolveLocked(o, key)
	m.touch(o, key)
	o.put(key, value)
	return prev, ok
}

// PutAll puts items in slice order.
func (m *Map[TK, TV]) PutAll(ctx context.Context, items []txmap.KeyValuePair[TK, TV]) {
	for i := range items {
		m.Put(ctx, items[i].Key, items[i].Value)
	}
}

// Remove deletes key and returns the previous value as seen by the ambient transaction.
// Under a transaction the removal is always recorded in its overlay, even when the key is
// not visible, so that it applies at commit.
func (m *Map[TK, TV]) Remove(ctx context.Context, key TK) (TV, bool) {
	tx := m.current(ctx)
	if tx == nil {
		return m.removeShared(ctx, key)
	}
	o := m.attach(tx)
	o.enter()
	defer o.exit()
	prev, ok := m.resolveLocked(o, key)
	m.touch(o, key)
	o.remove(key)
	return prev, ok
}

// Clear removes every key visible to the ambient transaction. Under a transaction the overlay
// is also marked as cleared, so later puts of that transaction stay in the overlay even for
// brand-new keys and are discarded on rollback.
func (m *Map[TK, TV]) Clear(ctx context.Context) {
	if tx := m.current(ctx); tx != nil {
		o := m.attach(tx)
		o.enter()
		o.cleared = true
		o.exit()
	}
	for _, k := range m.Keys(ctx) {
		m.Remove(ctx, k)
	}
}

// Size returns the number of entries visible to the ambient transaction.
func (m *Map[TK, TV]) Size(ctx context.Context) int {
	o := m.overlayOf(m.current(ctx))
	if o != nil {
		o.enter()
		defer o.exit()
	}
	m.locker.RLock()
	defer m.locker.RUnlock()
	n := len(m.base)
	if o == nil {
		return n
	}
	for k := range o.puts {
		if _, ok := m.base[k]; !ok {
			n++
		}
	}
	for k := range o.tombstones {
		if _, ok := m.base[k]; ok {
			n--
		}
	}
	return n
}

// IsEmpty reports whether no entry is visible to the ambient transaction.
func (m *Map[TK, TV]) IsEmpty(ctx context.Context) bool {
	return m.Size(ctx) == 0
}

// Stats returns a summary of the map's internal state.
func (m *Map[TK, TV]) Stats() Stats {
	m.locker.RLock()
	defer m.locker.RUnlock()
	return Stats{
		BaseSize:    len(m.base),
		Overlays:    len(m.overlays),
		PendingKeys: len(m.pending),
	}
}

// current returns the ambient transaction and fails loudly if it was already released.
func (m *Map[TK, TV]) current(ctx context.Context) transaction.Transaction {
	tx := transaction.Current(ctx)
	if tx != nil && tx.IsReleased() {
		panic(txmap.Error{
			Code:     txmap.TransactionReleased,
			Err:      fmt.Errorf("map %s used under released transaction %s", m.memberID, tx.ID().String()),
			UserData: tx.ID(),
		})
	}
	return tx
}

func (m *Map[TK, TV]) overlayOf(tx transaction.Transaction) *overlay[TK, TV] {
	if tx == nil {
		return nil
	}
	return m.overlayByID(tx.ID())
}

// clearedBy reports whether tx cleared the map in its still attached overlay.
func (m *Map[TK, TV]) clearedBy(tx transaction.Transaction) bool {
	o := m.overlayOf(tx)
	if o == nil {
		return false
	}
	o.enter()
	defer o.exit()
	return o.cleared
}

func (m *Map[TK, TV]) overlayByID(id txmap.UUID) *overlay[TK, TV] {
	m.locker.RLock()
	defer m.locker.RUnlock()
	return m.overlays[id]
}

// attach returns the overlay of tx, enlisting the map and creating the overlay on first use.
func (m *Map[TK, TV]) attach(tx transaction.Transaction) *overlay[TK, TV] {
	id := tx.ID()
	if o := m.overlayByID(id); o != nil {
		return o
	}
	m.Enlist(tx)
	m.locker.Lock()
	defer m.locker.Unlock()
	o, ok := m.overlays[id]
	if !ok {
		o = newOverlay[TK, TV](id)
		m.overlays[id] = o
		log.Debug("overlay created", "map", m.memberID, "transaction", id.String())
	}
	return o
}

// touch accounts key as pending for o the first time o records anything for it.
func (m *Map[TK, TV]) touch(o *overlay[TK, TV], key TK) {
	if o.touches(key) {
		return
	}
	m.locker.Lock()
	m.pending[key]++
	m.locker.Unlock()
}

func (m *Map[TK, TV]) resolve(o *overlay[TK, TV], key TK) (TV, bool) {
	if o != nil {
		o.enter()
		defer o.exit()
	}
	return m.resolveLocked(o, key)
}

// resolveLocked is resolve for callers that already entered o.
func (m *Map[TK, TV]) resolveLocked(o *overlay[TK, TV], key TK) (TV, bool) {
	if o != nil {
		if v, found, removed := o.lookup(key); removed {
			var zero TV
			return zero, false
		} else if found {
			return v, true
		}
	}
	m.locker.RLock()
	defer m.locker.RUnlock()
	v, ok := m.base[key]
	return v, ok
}

// publishNew writes key straight to the shared base if nobody, committed or pending, knows it yet.
func (m *Map[TK, TV]) publishNew(ctx context.Context, id txmap.UUID, key TK, value TV) bool {
	m.locker.Lock()
	if _, ok := m.base[key]; ok || m.pending[key] > 0 {
		m.locker.Unlock()
		return false
	}
	m.base[key] = value
	m.locker.Unlock()

	log.Debug("fast-forward publish", "map", m.memberID, "transaction", id.String())
	m.notify(ctx, ChangeSet[TK, TV]{
		MapID:         m.memberID,
		TransactionID: id,
		Puts:          []txmap.KeyValuePair[TK, TV]{{Key: key, Value: value}},
		FastForward:   true,
	})
	return true
}

func (m *Map[TK, TV]) putShared(ctx context.Context, key TK, value TV) (TV, bool) {
	m.locker.Lock()
	prev, ok := m.base[key]
	m.base[key] = value
	m.locker.Unlock()

	m.notify(ctx, ChangeSet[TK, TV]{
		MapID: m.memberID,
		Puts:  []txmap.KeyValuePair[TK, TV]{{Key: key, Value: value}},
	})
	return prev, ok
}

func (m *Map[TK, TV]) removeShared(ctx context.Context, key TK) (TV, bool) {
	m.locker.Lock()
	prev, ok := m.base[key]
	delete(m.base, key)
	m.locker.Unlock()

	if ok {
		m.notify(ctx, ChangeSet[TK, TV]{
			MapID:   m.memberID,
			Removes: []TK{key},
		})
	}
	return prev, ok
}

// merge applies the overlay of transaction id to the shared base and detaches it.
func (m *Map[TK, TV]) merge(ctx context.Context, id txmap.UUID) {
	o := m.overlayByID(id)
	if o == nil {
		return
	}
	o.enter()
	defer o.exit()

	m.locker.Lock()
	if m.overlays[id] != o {
		m.locker.Unlock()
		return
	}
	for k := range o.tombstones {
		delete(m.base, k)
	}
	for k, v := range o.puts {
		m.base[k] = v
	}
	m.detachLocked(o)
	m.locker.Unlock()

	log.Debug("overlay merged", "map", m.memberID, "transaction", id.String(),
		"puts", len(o.puts), "removes", len(o.tombstones))
	if !o.isEmpty() {
		m.notify(ctx, o.changeSet(m.memberID))
	}
}

// discard detaches the overlay of transaction id without touching the shared base.
func (m *Map[TK, TV]) discard(id txmap.UUID) {
	m.locker.Lock()
	defer m.locker.Unlock()
	o, ok := m.overlays[id]
	if !ok {
		return
	}
	m.detachLocked(o)
	log.Debug("overlay discarded", "map", m.memberID, "transaction", id.String())
}

// detachLocked drops o and its pending key counts. Caller holds the write lock.
func (m *Map[TK, TV]) detachLocked(o *overlay[TK, TV]) {
	for k := range o.puts {
		m.unpendLocked(k)
	}
	for k := range o.tombstones {
		m.unpendLocked(k)
	}
	delete(m.overlays, o.transactionID)
}

func (m *Map[TK, TV]) unpendLocked(key TK) {
	if n := m.pending[key]; n > 1 {
		m.pending[key] = n - 1
		return
	}
	delete(m.pending, key)
}

func (m *Map[TK, TV]) notify(ctx context.Context, changes ChangeSet[TK, TV]) {
	m.listenersLocker.RLock()
	listeners := m.listeners
	m.listenersLocker.RUnlock()
	for _, l := range listeners {
		if err := l.OnCommit(ctx, changes); err != nil {
			log.Warn(fmt.Sprintf("change listener of map %s failed, details: %v", m.memberID, err))
		}
	}
}
