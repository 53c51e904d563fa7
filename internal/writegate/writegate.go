// Package writegate serializes all write paths through a single
// permit, with reentrant acquisition for nested calls from the same
// logical operation. It is the Go-native replacement for the
// thread-local reentrancy flag the spec's design notes call out:
// reentrancy is carried explicitly through context.Context rather
// than process-global state.
package writegate

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type gateTokenKey struct{}

// Gate is the single-permit serialization boundary for all mutating
// database work, per spec §4.2.
type Gate struct {
	sem *semaphore.Weighted
}

// New creates a Write Gate with exactly one permit.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Do runs fn while holding the single write permit. If ctx already
// carries the gate's token (a reentrant call from within another Do),
// fn runs immediately without waiting on the semaphore again.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(gateTokenKey{}) != nil {
		return fn(ctx)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	held := context.WithValue(ctx, gateTokenKey{}, struct{}{})
	return fn(held)
}

// HeldBy reports whether ctx is already inside this gate's critical
// section, useful for assertions in code that must never run
// unguarded writes.
func (g *Gate) HeldBy(ctx context.Context) bool {
	return ctx.Value(gateTokenKey{}) != nil
}

// DoRetry composes the gate with the busy/locked retry policy: it
// acquires the single write permit (or reuses a held one), then runs
// op under RetryBusy, per spec §4.2's "each attempt runs under a
// busy/locked retry" inside the gate's scope.
func (g *Gate) DoRetry(ctx context.Context, log *zap.Logger, operation, path string, op func() error) error {
	return g.Do(ctx, func(ctx context.Context) error {
		return RetryBusy(ctx, log, operation, path, op)
	})
}
