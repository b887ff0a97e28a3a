package transaction

import "context"

type currentKey struct{}

// WithCurrent returns a copy of ctx carrying tx as the ambient transaction.
// Passing a nil tx masks any transaction bound by a parent context.
func WithCurrent(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, currentKey{}, tx)
}

// Current returns the ambient transaction carried by ctx, or nil if there is none.
func Current(ctx context.Context) Transaction {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(currentKey{}).(Transaction)
	return tx
}
