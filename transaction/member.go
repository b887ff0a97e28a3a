package transaction

import "context"

// Member participates in a transaction's two-phase commit protocol.
//
// A transaction drives its members as CommitPhase1, CommitPhase2, Release on success,
// or Rollback, Release on failure. Release is always the last call a member receives.
type Member interface {
	// MemberID identifies the member within its transaction.
	MemberID() string
	// NeedsCommit reports whether the member has anything to commit.
	// Members that do not need commit are skipped in both commit phases.
	NeedsCommit() bool
	// CommitPhase1 validates the member's pending work. A non-nil error vetoes the commit.
	CommitPhase1(ctx context.Context) error
	// CommitPhase2 applies the member's pending work.
	CommitPhase2(ctx context.Context) error
	// Rollback discards the member's pending work.
	Rollback(ctx context.Context) error
	// Release frees the member's resources. It is called exactly once per registration.
	Release(ctx context.Context)
}
