package txmap

import "fmt"

// ErrorCode classifies an Error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// TransactionRequired is returned when a unit of work demands an ambient transaction and none is bound.
	TransactionRequired
	// CommitVetoed means a member voted against phase 1. The unit of work may be retried in a new transaction.
	CommitVetoed
	// TransactionReleased flags use of a transaction after its release.
	TransactionReleased
	// TransactionCancelled flags an attempt to commit a cancelled transaction.
	TransactionCancelled
	// ConcurrentOverlayAccess flags two goroutines acting inside the same transaction overlay at once.
	ConcurrentOverlayAccess
	// DuplicateMemberID flags two different members competing for one member ID in a transaction.
	DuplicateMemberID
)

var errorCodeNames = map[ErrorCode]string{
	Unknown:                 "unknown",
	TransactionRequired:     "transaction required",
	CommitVetoed:            "commit vetoed",
	TransactionReleased:     "transaction released",
	TransactionCancelled:    "transaction cancelled",
	ConcurrentOverlayAccess: "concurrent overlay access",
	DuplicateMemberID:       "duplicate member id",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error is the txmap custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData == nil {
		return fmt.Sprintf("%v: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%v: %v, user data: %v", e.Code, e.Err, e.UserData)
}

// Unwrap returns the wrapped cause so errors.Is/As can see through Error.
func (e Error) Unwrap() error {
	return e.Err
}
