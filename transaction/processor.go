package transaction

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/txmap"
)

// Processor runs units of work within a transaction scope.
type Processor struct {
	options        txmap.ProcessorOptions
	newTransaction func() Transaction
}

// NewProcessor returns a Processor creating BasicTransactions when the scope asks for a new transaction.
func NewProcessor(options txmap.ProcessorOptions) *Processor {
	return &Processor{
		options: options,
		newTransaction: func() Transaction {
			return NewTransaction()
		},
	}
}

// WithNewTransaction overrides the supplier of new transactions. The supplier must not return nil.
func (p *Processor) WithNewTransaction(supplier func() Transaction) *Processor {
	p.newTransaction = supplier
	return p
}

// Run executes work. The caller's transaction is the one carried by ctx.
//
// A joined caller transaction is never committed, rolled back or released by Run; a failure of
// work is only recorded on it. A transaction started by Run is committed when work succeeds,
// rolled back otherwise, and released in both cases. When the commit of a new transaction
// is vetoed and MaxRetries allows it, work runs again in a fresh transaction.
func (p *Processor) Run(ctx context.Context, work func(ctx context.Context) error) error {
	caller := Current(ctx)
	switch p.options.Scope {
	case txmap.Mandatory:
		if caller == nil {
			return txmap.Error{
				Code: txmap.TransactionRequired,
				Err:  fmt.Errorf("scope %v requires a caller transaction", p.options.Scope),
			}
		}
		return p.runInCallerTransaction(ctx, caller, work)
	case txmap.Required:
		if caller != nil {
			return p.runInCallerTransaction(ctx, caller, work)
		}
		return p.runInNewTransaction(ctx, work)
	case txmap.RequiresNew:
		return p.runInNewTransaction(ctx, work)
	}
	return fmt.Errorf("unsupported transaction scope %v", p.options.Scope)
}

func (p *Processor) runInCallerTransaction(ctx context.Context, caller Transaction, work func(ctx context.Context) error) error {
	if err := work(ctx); err != nil {
		caller.AddFailure(err)
		return err
	}
	return nil
}

func (p *Processor) runInNewTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	if p.options.MaxRetries <= 0 {
		_, err := p.runOnce(ctx, work)
		return err
	}
	base := p.options.RetryBackoff
	if base <= 0 {
		base = txmap.DefaultRetryBackoff
	}
	attempt := 0
	b := retry.WithMaxRetries(uint64(p.options.MaxRetries), retry.NewFibonacci(base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		retryable, err := p.runOnce(ctx, work)
		if err != nil && retryable {
			log.Debug("commit vetoed, retrying in a new transaction", "attempt", attempt, "error", err.Error())
			return retry.RetryableError(err)
		}
		return err
	})
}

// runOnce returns whether a fresh attempt may succeed and the error of this one.
// Only vetoed commits are retryable, a failure of work itself never is.
func (p *Processor) runOnce(ctx context.Context, work func(ctx context.Context) error) (retryable bool, err error) {
	tx := p.newTransaction()
	if tx == nil {
		panic("transaction supplier returned nil")
	}
	txCtx := WithCurrent(ctx, tx)

	committed := false
	defer func() {
		if !committed {
			if r := recover(); r != nil {
				p.rollback(txCtx, tx)
				tx.Release(txCtx)
				panic(r)
			}
		}
		tx.Release(txCtx)
	}()

	if err := work(txCtx); err != nil {
		tx.AddFailure(err)
		p.rollback(txCtx, tx)
		return false, err
	}
	if err := tx.CommitPhase1(txCtx); err != nil {
		p.rollback(txCtx, tx)
		return txmap.ShouldRetry(err), err
	}
	committed = true
	if err := tx.CommitPhase2(txCtx); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Processor) rollback(ctx context.Context, tx Transaction) {
	if err := tx.Rollback(ctx); err != nil {
		log.Warn(fmt.Sprintf("rollback of transaction %s failed, details: %v", tx.ID().String(), err))
	}
}
