package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/sharedcode/txmap"
)

// recordingMember appends every protocol call it receives to a shared log.
type recordingMember struct {
	id          string
	log         *[]string
	needsCommit bool
	phase1Err   error
	phase2Err   error
	rollbackErr error
	onRelease   func()
}

func newRecordingMember(id string, log *[]string) *recordingMember {
	return &recordingMember{id: id, log: log, needsCommit: true}
}

func (m *recordingMember) record(call string) {
	*m.log = append(*m.log, m.id+"."+call)
}

func (m *recordingMember) MemberID() string  { return m.id }
func (m *recordingMember) NeedsCommit() bool { return m.needsCommit }

func (m *recordingMember) CommitPhase1(ctx context.Context) error {
	m.record("phase1")
	return m.phase1Err
}

func (m *recordingMember) CommitPhase2(ctx context.Context) error {
	m.record("phase2")
	return m.phase2Err
}

func (m *recordingMember) Rollback(ctx context.Context) error {
	m.record("rollback")
	return m.rollbackErr
}

func (m *recordingMember) Release(ctx context.Context) {
	m.record("release")
	if m.onRelease != nil {
		m.onRelease()
	}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("got calls %v, expected %v", got, want)
	}
}

func TestCommitDrivesMembersInOrder(t *testing.T) {
	ctx := context.Background()
	var calls []string
	tx := NewTransaction()
	a := newRecordingMember("a", &calls)
	b := newRecordingMember("b", &calls)
	idle := newRecordingMember("idle", &calls)
	idle.needsCommit = false
	for _, m := range []Member{a, b, idle} {
		if err := tx.RegisterMember(m); err != nil {
			t.Fatalf("RegisterMember failed: %v", err)
		}
	}

	if err := tx.CommitPhase1(ctx); err != nil {
		t.Fatalf("CommitPhase1 failed: %v", err)
	}
	if err := tx.CommitPhase2(ctx); err != nil {
		t.Fatalf("CommitPhase2 failed: %v", err)
	}
	tx.Release(ctx)
	tx.Release(ctx)

	assertCalls(t, calls,
		"a.phase1", "b.phase1",
		"a.phase2", "b.phase2",
		"a.release", "b.release", "idle.release")
	if !tx.IsReleased() || len(tx.Members()) != 0 {
		t.Errorf("transaction still holds members after release")
	}
}

func TestPhase1VetoIsRetryable(t *testing.T) {
	ctx := context.Background()
	var calls []string
	tx := NewTransaction()
	a := newRecordingMember("a", &calls)
	a.phase1Err = errors.New("stale")
	b := newRecordingMember("b", &calls)
	tx.RegisterMember(a)
	tx.RegisterMember(b)

	err := tx.CommitPhase1(ctx)
	var txe txmap.Error
	if !errors.As(err, &txe) || txe.Code != txmap.CommitVetoed || txe.UserData != "a" {
		t.Fatalf("got %v, expected CommitVetoed by a", err)
	}
	if !txmap.ShouldRetry(err) {
		t.Errorf("veto is not retryable")
	}
	if !errors.Is(err, a.phase1Err) {
		t.Errorf("veto does not wrap the member's error")
	}
	if err := tx.CommitPhase2(ctx); err == nil {
		t.Errorf("CommitPhase2 after a veto succeeded")
	}
	tx.Rollback(ctx)
	tx.Release(ctx)
	assertCalls(t, calls, "a.phase1", "a.rollback", "b.rollback", "a.release", "b.release")
}

func TestPhase2FailureDoesNotStopOtherMembers(t *testing.T) {
	ctx := context.Background()
	var calls []string
	tx := NewTransaction()
	a := newRecordingMember("a", &calls)
	a.phase2Err = errors.New("disk full")
	b := newRecordingMember("b", &calls)
	tx.RegisterMember(a)
	tx.RegisterMember(b)

	if err := tx.CommitPhase1(ctx); err != nil {
		t.Fatalf("CommitPhase1 failed: %v", err)
	}
	err := tx.CommitPhase2(ctx)
	if !errors.Is(err, a.phase2Err) {
		t.Errorf("got %v, expected the phase 2 error of a", err)
	}
	if len(tx.Failures()) != 1 {
		t.Errorf("phase 2 failure not recorded")
	}
	assertCalls(t, calls, "a.phase1", "b.phase1", "a.phase2", "b.phase2")
}

func TestCommitRefusedWithFailuresOrCancelled(t *testing.T) {
	ctx := context.Background()

	tx := NewTransaction()
	tx.AddFailure(errors.New("boom"))
	tx.AddFailure(nil)
	err := tx.CommitPhase1(ctx)
	if err == nil || txmap.ShouldRetry(err) {
		t.Errorf("got %v, expected a permanent error for a failed transaction", err)
	}
	if len(tx.Failures()) != 1 {
		t.Errorf("got %d failures, expected 1", len(tx.Failures()))
	}

	tx = NewTransaction()
	if !tx.Cancel() || tx.Cancel() {
		t.Errorf("Cancel should succeed once")
	}
	var txe txmap.Error
	if err := tx.CommitPhase1(ctx); !errors.As(err, &txe) || txe.Code != txmap.TransactionCancelled {
		t.Errorf("got %v, expected TransactionCancelled", err)
	}
}

func TestCommitPhaseOrdering(t *testing.T) {
	ctx := context.Background()
	tx := NewTransaction()
	if err := tx.CommitPhase2(ctx); err == nil {
		t.Errorf("CommitPhase2 before CommitPhase1 succeeded")
	}
	if err := tx.CommitPhase1(ctx); err != nil {
		t.Fatalf("CommitPhase1 failed: %v", err)
	}
	want := fmt.Sprintf("transaction %s is done, create a new one", tx.ID().String())
	if err := tx.CommitPhase1(ctx); err == nil || err.Error() != want {
		t.Errorf("got %v on a second CommitPhase1, expected %q", err, want)
	}
	tx.Release(ctx)
	var txe txmap.Error
	if err := tx.CommitPhase2(ctx); !errors.As(err, &txe) || txe.Code != txmap.TransactionReleased {
		t.Errorf("got %v, expected TransactionReleased", err)
	}
	if err := tx.Rollback(ctx); !errors.As(err, &txe) || txe.Code != txmap.TransactionReleased {
		t.Errorf("got %v, expected TransactionReleased", err)
	}
	if tx.Cancel() {
		t.Errorf("Cancel of a released transaction succeeded")
	}
}

func TestRollbackReturnsLastError(t *testing.T) {
	ctx := context.Background()
	var calls []string
	tx := NewTransaction()
	a := newRecordingMember("a", &calls)
	a.rollbackErr = errors.New("a")
	b := newRecordingMember("b", &calls)
	b.rollbackErr = errors.New("b")
	tx.RegisterMember(a)
	tx.RegisterMember(b)

	if err := tx.Rollback(ctx); err != b.rollbackErr {
		t.Errorf("got %v, expected the last member's error", err)
	}
	assertCalls(t, calls, "a.rollback", "b.rollback")
}

func TestRegisterMember(t *testing.T) {
	var calls []string
	tx := NewTransaction()
	first := newRecordingMember("abc", &calls)
	second := newRecordingMember("abc", &calls)

	if err := tx.RegisterMember(first); err != nil {
		t.Fatalf("RegisterMember failed: %v", err)
	}
	if err := tx.RegisterMember(second); err != nil {
		t.Fatalf("RegisterMember of a taken ID failed: %v", err)
	}
	if tx.GetMember("abc") != Member(first) || len(tx.Members()) != 1 {
		t.Errorf("second registration replaced the first")
	}
	if err := tx.RegisterMember(nil); err == nil {
		t.Errorf("RegisterMember(nil) succeeded")
	}

	tx.UnregisterMember("abc")
	tx.UnregisterMember("abc")
	if tx.GetMember("abc") != nil || len(tx.Members()) != 0 {
		t.Errorf("UnregisterMember left the member registered")
	}

	tx.Release(context.Background())
	var txe txmap.Error
	if err := tx.RegisterMember(first); !errors.As(err, &txe) || txe.Code != txmap.TransactionReleased {
		t.Errorf("got %v, expected TransactionReleased", err)
	}
}

func TestRegisterMemberIfAbsent(t *testing.T) {
	var calls []string
	produced := 0
	producer := func(id string) Member {
		produced++
		return newRecordingMember(id, &calls)
	}

	tx := NewTransaction()
	m1, err := tx.RegisterMemberIfAbsent("abc", producer)
	if err != nil || m1 == nil {
		t.Fatalf("RegisterMemberIfAbsent returned %v, %v", m1, err)
	}
	m2, _ := tx.RegisterMemberIfAbsent("abc", producer)
	if m1 != m2 || produced != 1 {
		t.Errorf("RegisterMemberIfAbsent produced a second member")
	}

	if _, err := tx.RegisterMemberIfAbsent("x", func(string) Member { return nil }); err == nil {
		t.Errorf("nil producing producer accepted")
	}
	if _, err := tx.RegisterMemberIfAbsent("y", func(string) Member { return newRecordingMember("z", &calls) }); err == nil {
		t.Errorf("member with mismatched ID accepted")
	}

	tx.Cancel()
	m3, err := tx.RegisterMemberIfAbsentAndNotCancelled("other", producer)
	if err != nil || m3 != nil || produced != 1 {
		t.Errorf("cancelled transaction accepted a new member")
	}
	m4, _ := tx.RegisterMemberIfAbsentAndNotCancelled("abc", producer)
	if m4 != m1 {
		t.Errorf("cancelled transaction did not return the existing member")
	}
	m5, err := tx.RegisterMemberIfAbsent("other", producer)
	if err != nil || m5 == nil {
		t.Errorf("RegisterMemberIfAbsent refused a cancelled transaction")
	}
}

func TestReleaseAllowsMembersToUnregister(t *testing.T) {
	ctx := context.Background()
	var calls []string
	tx := NewTransaction()
	for i := 0; i < 3; i++ {
		m := newRecordingMember(fmt.Sprintf("m%d", i), &calls)
		m.onRelease = func() { tx.UnregisterMember(m.id) }
		tx.RegisterMember(m)
	}
	tx.Release(ctx)
	assertCalls(t, calls, "m0.release", "m1.release", "m2.release")
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()
	if Current(ctx) != nil {
		t.Errorf("background context carries a transaction")
	}
	tx := NewTransaction()
	txCtx := WithCurrent(ctx, tx)
	if Current(txCtx) != Transaction(tx) {
		t.Errorf("Current did not return the bound transaction")
	}
	if Current(WithCurrent(txCtx, nil)) != nil {
		t.Errorf("nil transaction did not mask the parent's")
	}
	if tx.ID().IsNil() || tx.ID() == NewTransaction().ID() {
		t.Errorf("transaction IDs are not unique")
	}
}
