package cowmap

import (
	"context"

	"github.com/sharedcode/txmap"
)

// ChangeSet describes changes that became visible in a map's shared base.
type ChangeSet[TK comparable, TV any] struct {
	// MapID is the member ID of the map that changed.
	MapID string `json:"map_id"`
	// TransactionID is the transaction that made the change, NilUUID for writes made outside a transaction.
	TransactionID txmap.UUID `json:"transaction_id"`
	// Puts lists the keys set and their values.
	Puts []txmap.KeyValuePair[TK, TV] `json:"puts,omitempty"`
	// Removes lists the keys deleted.
	Removes []TK `json:"removes,omitempty"`
	// FastForward is true when Puts were published ahead of the transaction's commit.
	FastForward bool `json:"fast_forward,omitempty"`
}

// IsEmpty reports whether the change set carries no change.
func (cs ChangeSet[TK, TV]) IsEmpty() bool {
	return len(cs.Puts) == 0 && len(cs.Removes) == 0
}

// Listener is notified after changes are published to a map's shared base.
// It is called outside of the map's lock, on the goroutine that published the change.
type Listener[TK comparable, TV any] interface {
	OnCommit(ctx context.Context, changes ChangeSet[TK, TV]) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc[TK comparable, TV any] func(ctx context.Context, changes ChangeSet[TK, TV]) error

func (f ListenerFunc[TK, TV]) OnCommit(ctx context.Context, changes ChangeSet[TK, TV]) error {
	return f(ctx, changes)
}
