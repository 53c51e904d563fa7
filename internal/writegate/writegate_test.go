package writegate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casegraph/workspace/internal/caseerr"
)

// --- Gate reentrancy ---

func TestGateSerializesConcurrentCallers(t *testing.T) {
	g := New()
	ctx := context.Background()

	var order []int
	done := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = g.Do(ctx, func(ctx context.Context) error {
			order = append(order, 1)
			close(started)
			<-done
			return nil
		})
	}()

	// Give the first goroutine a chance to acquire the permit, then
	// confirm the second call blocks until it's released.
	<-started
	acquired := make(chan struct{})
	go func() {
		_ = g.Do(ctx, func(ctx context.Context) error {
			close(acquired)
			order = append(order, 2)
			return nil
		})
	}()

	select {
	case <-acquired:
		t.Fatalf("second Do acquired the gate before the first released it")
	default:
	}
	close(done)
}

func TestGateReentrantDoSkipsSecondAcquire(t *testing.T) {
	g := New()
	ctx := context.Background()

	var innerRan bool
	err := g.Do(ctx, func(ctx context.Context) error {
		require.True(t, g.HeldBy(ctx))
		return g.Do(ctx, func(ctx context.Context) error {
			innerRan = true
			return nil
		})
	})
	require.NoError(t, err)
	require.True(t, innerRan)
}

func TestHeldByFalseOutsideGate(t *testing.T) {
	g := New()
	require.False(t, g.HeldBy(context.Background()))
}

// --- isBusyOrLocked ---

type codedErr struct{ code int }

func (e codedErr) Error() string { return fmt.Sprintf("code %d", e.code) }
func (e codedErr) Code() int     { return e.code }

func TestIsBusyOrLockedByCode(t *testing.T) {
	require.True(t, isBusyOrLocked(codedErr{code: sqliteBusy}))
	require.True(t, isBusyOrLocked(codedErr{code: sqliteLocked}))
	require.False(t, isBusyOrLocked(codedErr{code: 1}))
}

func TestIsBusyOrLockedByMessageSubstring(t *testing.T) {
	require.True(t, isBusyOrLocked(errors.New("database is locked")))
	require.True(t, isBusyOrLocked(errors.New("SQLITE_BUSY: retry")))
	require.False(t, isBusyOrLocked(errors.New("no such table")))
}

func TestIsBusyOrLockedWalksWrappedChain(t *testing.T) {
	err := fmt.Errorf("insert failed: %w", fmt.Errorf("commit: %w", errors.New("database table is locked")))
	require.True(t, isBusyOrLocked(err))
}

func TestIsBusyOrLockedNilIsFalse(t *testing.T) {
	require.False(t, isBusyOrLocked(nil))
}

// --- RetryBusy ---

func TestRetryBusySucceedsWithoutRetryOnNilError(t *testing.T) {
	calls := 0
	err := RetryBusy(context.Background(), nil, "op", "/x.db", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryBusyReturnsNonBusyErrorImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := RetryBusy(context.Background(), nil, "op", "/x.db", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryBusyExhaustsAndReturnsWorkspaceDbLocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := RetryBusy(ctx, nil, "write", "/x.db", func() error {
		calls++
		return errors.New("database is locked")
	})

	var locked *caseerr.WorkspaceDbLocked
	require.ErrorAs(t, err, &locked)
	require.GreaterOrEqual(t, calls, minAttempts)
	require.Equal(t, "write", locked.Operation)
}

func TestRetryBusyRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		cancel()
	}()
	err := RetryBusy(ctx, nil, "op", "/x.db", func() error {
		calls++
		return errors.New("database is locked")
	})
	require.True(t, errors.Is(err, context.Canceled) || errors.As(err, new(*caseerr.WorkspaceDbLocked)))
}
