package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sharedcode/txmap"
)

func TestRunnerGivesEachUnitItsOwnTransaction(t *testing.T) {
	p := NewProcessor(txmap.ProcessorOptions{Scope: txmap.RequiresNew})
	r := NewRunner(context.Background(), p, 4)

	var locker sync.Mutex
	seen := map[txmap.UUID]bool{}
	var inFlight, maxInFlight atomic.Int32
	for i := 0; i < 20; i++ {
		r.Go(func(ctx context.Context) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			tx := Current(ctx)
			if tx == nil {
				return errors.New("no transaction bound")
			}
			locker.Lock()
			seen[tx.ID()] = true
			locker.Unlock()
			return nil
		})
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(seen) != 20 {
		t.Errorf("got %d distinct transactions, expected 20", len(seen))
	}
	if maxInFlight.Load() > 4 {
		t.Errorf("got %d units in flight, expected at most 4", maxInFlight.Load())
	}
}

func TestRunnerReturnsFirstError(t *testing.T) {
	p := NewProcessor(txmap.ProcessorOptions{Scope: txmap.RequiresNew})
	r := NewRunner(context.Background(), p, 0)

	workErr := errors.New("expected test error")
	r.Go(func(ctx context.Context) error { return workErr })
	if err := r.Wait(); err != workErr {
		t.Errorf("got %v, expected the work error", err)
	}
	if r.GetContext().Err() == nil {
		t.Errorf("runner context not cancelled after a failure")
	}
}
