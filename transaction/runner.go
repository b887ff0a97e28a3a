package transaction

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner dispatches units of work on goroutines, each one run through a Processor so
// every unit gets its own transaction scope. It is a thin errgroup wrapper.
type Runner struct {
	processor *Processor
	eg        *errgroup.Group
	context   context.Context
}

// NewRunner creates a Runner. maxConcurrent > 0 limits the number of units of work in flight.
// The first failing unit cancels the context handed to the remaining ones.
func NewRunner(ctx context.Context, processor *Processor, maxConcurrent int) *Runner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		eg.SetLimit(maxConcurrent)
	}
	return &Runner{
		processor: processor,
		eg:        eg,
		context:   ctx2,
	}
}

// GetContext returns the Runner's context.
func (r *Runner) GetContext() context.Context {
	return r.context
}

// Go runs work through the processor on a new goroutine. It blocks while the runner is at its limit.
func (r *Runner) Go(work func(ctx context.Context) error) {
	r.eg.Go(func() error {
		return r.processor.Run(r.context, work)
	})
}

// Wait waits for all launched units of work and returns the first error, if any.
func (r *Runner) Wait() error {
	return r.eg.Wait()
}
