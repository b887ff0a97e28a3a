// Package transaction contains the ambient transaction that request goroutines carry in their
// context, the Member contract its commit participants implement, and a Processor that runs
// units of work within a transaction scope.
package transaction

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/txmap"
)

// Transaction coordinates a set of members through a two-phase commit.
type Transaction interface {
	// ID returns the transaction ID.
	ID() txmap.UUID

	// RegisterMember attaches m. If a member with the same ID is already registered
	// the call is a no-op and the first registration is kept.
	RegisterMember(m Member) error
	// RegisterMemberIfAbsent returns the member registered under id, registering the one
	// made by producer if there is none.
	RegisterMemberIfAbsent(id string, producer func(id string) Member) (Member, error)
	// RegisterMemberIfAbsentAndNotCancelled is RegisterMemberIfAbsent that returns a nil
	// member, without calling producer, when the transaction is cancelled.
	RegisterMemberIfAbsentAndNotCancelled(id string, producer func(id string) Member) (Member, error)
	// GetMember returns the member registered under id, or nil.
	GetMember(id string) Member
	// UnregisterMember detaches the member registered under id, if any.
	UnregisterMember(id string)
	// Members lists the registered members in registration order.
	Members() []Member

	// CommitPhase1 asks every member needing commit to validate its work.
	CommitPhase1(ctx context.Context) error
	// CommitPhase2 asks every member needing commit to apply its work.
	CommitPhase2(ctx context.Context) error
	// Rollback asks every member to discard its work.
	Rollback(ctx context.Context) error
	// Release releases every member and detaches them from the transaction.
	Release(ctx context.Context)

	// AddFailure records a failure of the unit of work. A transaction with failures refuses to commit.
	AddFailure(err error)
	// Failures returns the recorded failures.
	Failures() []error
	// Cancel marks the transaction as cancelled. It returns false if it already was, or has been released.
	Cancel() bool
	// IsCancelled reports whether Cancel was called.
	IsCancelled() bool
	// IsReleased reports whether Release was called.
	IsReleased() bool
}

// BasicTransaction is the default Transaction implementation.
type BasicTransaction struct {
	id txmap.UUID

	locker  sync.Mutex
	members map[string]Member
	order   []string

	failures  []error
	cancelled bool
	released  bool
	// -1 = initial state, 1 = phase 1 commit done, 2 = phase 2 commit or rollback done.
	phaseDone int
}

// NewTransaction creates a transaction with a new random ID.
func NewTransaction() *BasicTransaction {
	return &BasicTransaction{
		id:        txmap.NewUUID(),
		members:   make(map[string]Member),
		phaseDone: -1,
	}
}

func (t *BasicTransaction) ID() txmap.UUID {
	return t.id
}

func (t *BasicTransaction) RegisterMember(m Member) error {
	if m == nil {
		return fmt.Errorf("can't register a nil member")
	}
	t.locker.Lock()
	defer t.locker.Unlock()
	if t.released {
		return t.releasedError()
	}
	id := m.MemberID()
	if _, ok := t.members[id]; ok {
		log.Debug("member already registered", "transaction", t.id.String(), "member", id)
		return nil
	}
	t.addMember(id, m)
	return nil
}

func (t *BasicTransaction) RegisterMemberIfAbsent(id string, producer func(id string) Member) (Member, error) {
	return t.registerMemberIfAbsent(id, producer, false)
}

func (t *BasicTransaction) RegisterMemberIfAbsentAndNotCancelled(id string, producer func(id string) Member) (Member, error) {
	return t.registerMemberIfAbsent(id, producer, true)
}

func (t *BasicTransaction) registerMemberIfAbsent(id string, producer func(id string) Member, skipIfCancelled bool) (Member, error) {
	t.locker.Lock()
	defer t.locker.Unlock()
	if t.released {
		return nil, t.releasedError()
	}
	if m, ok := t.members[id]; ok {
		return m, nil
	}
	if skipIfCancelled && t.cancelled {
		return nil, nil
	}
	m := producer(id)
	if m == nil {
		return nil, fmt.Errorf("producer of member %s returned nil", id)
	}
	if m.MemberID() != id {
		return nil, fmt.Errorf("producer of member %s returned member %s", id, m.MemberID())
	}
	t.addMember(id, m)
	return m, nil
}

func (t *BasicTransaction) addMember(id string, m Member) {
	t.members[id] = m
	t.order = append(t.order, id)
}

func (t *BasicTransaction) GetMember(id string) Member {
	t.locker.Lock()
	defer t.locker.Unlock()
	return t.members[id]
}

func (t *BasicTransaction) UnregisterMember(id string) {
	t.locker.Lock()
	defer t.locker.Unlock()
	if _, ok := t.members[id]; !ok {
		return
	}
	delete(t.members, id)
	for i := range t.order {
		if t.order[i] == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *BasicTransaction) Members() []Member {
	t.locker.Lock()
	defer t.locker.Unlock()
	return t.membersInOrder()
}

func (t *BasicTransaction) membersInOrder() []Member {
	r := make([]Member, 0, len(t.order))
	for _, id := range t.order {
		r = append(r, t.members[id])
	}
	return r
}

// CommitPhase1 returns a CommitVetoed error naming the first member that vetoed.
// Members are called without holding the transaction lock so they may call back into it.
func (t *BasicTransaction) CommitPhase1(ctx context.Context) error {
	t.locker.Lock()
	if t.released {
		t.locker.Unlock()
		return t.releasedError()
	}
	if t.phaseDone != -1 {
		t.locker.Unlock()
		return fmt.Errorf("transaction %s is done, create a new one", t.id.String())
	}
	if t.cancelled {
		t.locker.Unlock()
		return txmap.Error{
			Code:     txmap.TransactionCancelled,
			Err:      fmt.Errorf("transaction %s was cancelled", t.id.String()),
			UserData: t.id,
		}
	}
	if len(t.failures) > 0 {
		err := errors.Join(t.failures...)
		t.locker.Unlock()
		return txmap.Error{
			Code:     txmap.Unknown,
			Err:      fmt.Errorf("transaction %s has failures: %w", t.id.String(), err),
			UserData: t.id,
		}
	}
	members := t.membersInOrder()
	t.locker.Unlock()

	for _, m := range members {
		if !m.NeedsCommit() {
			continue
		}
		if err := m.CommitPhase1(ctx); err != nil {
			return txmap.Error{
				Code:     txmap.CommitVetoed,
				Err:      fmt.Errorf("member %s vetoed phase 1 commit: %w", m.MemberID(), err),
				UserData: m.MemberID(),
			}
		}
	}

	t.locker.Lock()
	t.phaseDone = 1
	t.locker.Unlock()
	log.Debug("phase 1 commit done", "transaction", t.id.String(), "members", len(members))
	return nil
}

// CommitPhase2 keeps going after a member fails so that the other members are not left half applied.
// Member failures are recorded on the transaction and returned joined.
func (t *BasicTransaction) CommitPhase2(ctx context.Context) error {
	t.locker.Lock()
	if t.released {
		t.locker.Unlock()
		return t.releasedError()
	}
	if t.phaseDone != 1 {
		t.locker.Unlock()
		return fmt.Errorf("phase 1 commit of transaction %s has not been invoked yet", t.id.String())
	}
	t.phaseDone = 2
	members := t.membersInOrder()
	t.locker.Unlock()

	var errs []error
	for _, m := range members {
		if !m.NeedsCommit() {
			continue
		}
		if err := m.CommitPhase2(ctx); err != nil {
			log.Error(fmt.Sprintf("phase 2 commit of member %s failed, details: %v", m.MemberID(), err))
			err = fmt.Errorf("member %s phase 2 commit failed: %w", m.MemberID(), err)
			t.AddFailure(err)
			errs = append(errs, err)
		}
	}
	log.Debug("phase 2 commit done", "transaction", t.id.String(), "members", len(members))
	return errors.Join(errs...)
}

// Rollback returns the last error reported by a member, if any.
func (t *BasicTransaction) Rollback(ctx context.Context) error {
	t.locker.Lock()
	if t.released {
		t.locker.Unlock()
		return t.releasedError()
	}
	t.phaseDone = 2
	members := t.membersInOrder()
	t.locker.Unlock()

	var lastErr error
	for _, m := range members {
		if err := m.Rollback(ctx); err != nil {
			log.Warn(fmt.Sprintf("rollback of member %s failed, details: %v", m.MemberID(), err))
			lastErr = err
		}
	}
	log.Debug("rollback done", "transaction", t.id.String(), "members", len(members))
	return lastErr
}

func (t *BasicTransaction) Release(ctx context.Context) {
	t.locker.Lock()
	if t.released {
		t.locker.Unlock()
		return
	}
	t.released = true
	members := t.membersInOrder()
	t.members = make(map[string]Member)
	t.order = nil
	t.locker.Unlock()

	for _, m := range members {
		m.Release(ctx)
	}
	log.Debug("transaction released", "transaction", t.id.String(), "members", len(members))
}

func (t *BasicTransaction) AddFailure(err error) {
	if err == nil {
		return
	}
	t.locker.Lock()
	t.failures = append(t.failures, err)
	t.locker.Unlock()
}

func (t *BasicTransaction) Failures() []error {
	t.locker.Lock()
	defer t.locker.Unlock()
	r := make([]error, len(t.failures))
	copy(r, t.failures)
	return r
}

func (t *BasicTransaction) Cancel() bool {
	t.locker.Lock()
	defer t.locker.Unlock()
	if t.cancelled || t.released {
		return false
	}
	t.cancelled = true
	return true
}

func (t *BasicTransaction) IsCancelled() bool {
	t.locker.Lock()
	defer t.locker.Unlock()
	return t.cancelled
}

func (t *BasicTransaction) IsReleased() bool {
	t.locker.Lock()
	defer t.locker.Unlock()
	return t.released
}

func (t *BasicTransaction) releasedError() error {
	return txmap.Error{
		Code:     txmap.TransactionReleased,
		Err:      fmt.Errorf("transaction %s was released", t.id.String()),
		UserData: t.id,
	}
}
