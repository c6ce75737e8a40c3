// Package driver abstracts the one concurrency decision the admission
// engine needs at the I/O boundary: whether a cascade's two speculative
// writes (child and parent) are issued concurrently or one after another.
// The core admission algorithm in pkg/ratelimiter never branches on which
// Driver it was given.
package driver

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Strategy selects how a Driver schedules a cascade's two concurrent
// writes.
type Strategy string

const (
	// StrategyAuto lets the Driver pick (ThreadPool when the process
	// supports concurrent goroutines, which is always true in Go — so Auto
	// and ThreadPool are equivalent here).
	StrategyAuto Strategy = "auto"
	// StrategyCooperativeGreenlets names a single-threaded cooperative
	// scheduling flavor offered for parity with deployments that pin this
	// behavior for deterministic ordering. Go has no cooperative-scheduling
	// primitive distinct from goroutines, so this strategy runs the two
	// operations sequentially instead (child first, then parent).
	StrategyCooperativeGreenlets Strategy = "cooperative-greenlets"
	// StrategyThreadPool runs the two operations concurrently on pooled
	// goroutines.
	StrategyThreadPool Strategy = "thread-pool"
	// StrategySerial always runs the two operations one after another,
	// regardless of process capability.
	StrategySerial Strategy = "serial"
)

// Driver funnels the admission engine's I/O through one scheduling
// decision: Gather2 either runs f1 and f2 concurrently, joining both
// before returning, or runs them in sequence. Every store call inside f1/f2
// is itself a suspension point (a blocking network round-trip); Gather2 is
// the only place the admission engine asks "concurrent or not."
type Driver interface {
	// Gather2 runs f1 and f2, returning the first non-nil error. When run
	// concurrently, a cancellation of one arm (via errgroup) propagates to
	// the other through ctx.
	Gather2(ctx context.Context, f1, f2 func(context.Context) error) error
}

// New returns the Driver implementation for the given strategy.
func New(strategy Strategy) Driver {
	switch strategy {
	case StrategyCooperativeGreenlets, StrategySerial:
		return Serial{}
	default:
		return ThreadPool{}
	}
}

// ThreadPool runs both operations concurrently using an errgroup: cascade
// admissions fan out two store calls concurrently whenever the entity
// cache is populated for the target entity.
type ThreadPool struct{}

func (ThreadPool) Gather2(ctx context.Context, f1, f2 func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f1(gctx) })
	g.Go(func() error { return f2(gctx) })
	return g.Wait()
}

// Serial runs f1 then f2, one after another. Used for the cooperative
// runtime flavor, and for the first admission on a newly-seen entity, where
// the shard-count cache must be populated by a sequential child-then-parent
// pass before cascade admissions may fan out.
type Serial struct{}

func (Serial) Gather2(ctx context.Context, f1, f2 func(context.Context) error) error {
	if err := f1(ctx); err != nil {
		return err
	}
	return f2(ctx)
}
