package writegate

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casegraph/workspace/internal/caseerr"
)

// baseDelaysMs is the jittered backoff sequence from spec §4.2.
var baseDelaysMs = []int{50, 100, 200, 400, 800}

const (
	jitterMin      = 0.85
	jitterMax      = 0.30 // span added to jitterMin, i.e. factor in [0.85, 1.15)
	maxElapsed     = 5 * time.Second
	minAttempts    = 2
)

// errorCoder is satisfied by sqlite driver errors that expose a
// numeric result code; matched loosely since the concrete type lives
// in the ncruces/go-sqlite3 package.
type errorCoder interface {
	Code() int
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// isBusyOrLocked walks the error chain looking for SQLITE_BUSY or
// SQLITE_LOCKED, by result code when available and by message
// substring otherwise (covers wrapped/chained causes at any depth).
func isBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if coder, ok := e.(errorCoder); ok {
			code := coder.Code()
			if code == sqliteBusy || code == sqliteLocked {
				return true
			}
		}
		msg := strings.ToLower(e.Error())
		if strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "sqlite_locked") ||
			strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}

// RetryBusy runs op, retrying on SQLITE_BUSY/SQLITE_LOCKED with
// jittered backoff bounded by a 5s total elapsed budget and at least
// two attempts, per spec §4.2.
func RetryBusy(ctx context.Context, log *zap.Logger, operation, path string, op func() error) error {
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()
	attempt := 0

	for {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isBusyOrLocked(err) {
			return err
		}

		elapsed := time.Since(start)
		if elapsed >= maxElapsed && attempt >= minAttempts {
			log.Error("SqliteBusyRetryExhausted",
				zap.String("operation", operation),
				zap.String("path", path),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", elapsed),
			)
			return &caseerr.WorkspaceDbLocked{Operation: operation, Attempts: attempt, Path: path}
		}

		delay := jitteredDelay(attempt)
		log.Warn("SqliteBusyRetry",
			zap.String("operation", operation),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func jitteredDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(baseDelaysMs) {
		idx = len(baseDelaysMs) - 1
	}
	base := baseDelaysMs[idx]
	factor := jitterMin + rand.Float64()*jitterMax
	return time.Duration(float64(base)*factor) * time.Millisecond
}
