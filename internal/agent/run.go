package agent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner is a background loop that stops when ctx is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// RunAll runs loops concurrently. The first error cancels the others.
func RunAll(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		if r == nil {
			continue
		}
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}
