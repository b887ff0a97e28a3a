package cowmap

import (
	"context"
	"sync/atomic"

	"github.com/sharedcode/txmap"
	"github.com/sharedcode/txmap/transaction"
)

// Participant binds one transaction's overlay of a Map to the transaction's commit protocol.
type Participant[TK comparable, TV any] struct {
	m        *Map[TK, TV]
	tx       transaction.Transaction
	released atomic.Bool
}

func newParticipant[TK comparable, TV any](m *Map[TK, TV], tx transaction.Transaction) *Participant[TK, TV] {
	return &Participant[TK, TV]{
		m:  m,
		tx: tx,
	}
}

// MemberID returns the member ID of the participant's map.
func (p *Participant[TK, TV]) MemberID() string {
	return p.m.memberID
}

// TransactionID returns the ID of the transaction the participant is enlisted in.
func (p *Participant[TK, TV]) TransactionID() txmap.UUID {
	return p.tx.ID()
}

// NeedsCommit reports whether the transaction has pending puts or removals in the map.
func (p *Participant[TK, TV]) NeedsCommit() bool {
	o := p.m.overlayByID(p.tx.ID())
	return o != nil && !o.isEmpty()
}

// CommitPhase1 never vetoes: concurrent commits are resolved last-committer-wins.
func (p *Participant[TK, TV]) CommitPhase1(ctx context.Context) error {
	return nil
}

// CommitPhase2 merges the overlay into the map's shared base, under the map's lock, and detaches it.
func (p *Participant[TK, TV]) CommitPhase2(ctx context.Context) error {
	p.m.merge(ctx, p.tx.ID())
	return nil
}

// Rollback detaches the overlay leaving the shared base untouched.
func (p *Participant[TK, TV]) Rollback(ctx context.Context) error {
	p.m.discard(p.tx.ID())
	return nil
}

// Release detaches the overlay, if still attached, and unregisters the participant. It is idempotent.
func (p *Participant[TK, TV]) Release(ctx context.Context) {
	if p.released.Swap(true) {
		return
	}
	p.m.discard(p.tx.ID())
	if p.tx.GetMember(p.m.memberID) == transaction.Member(p) {
		p.tx.UnregisterMember(p.m.memberID)
	}
}
