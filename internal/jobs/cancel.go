package jobs

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// cancelEntry tracks either a registered cancel function or a latched
// "pending cancel" recorded before the runner registered its token,
// per spec §5's "A cancel issued before the token is registered is
// latched and applied at registration."
type cancelEntry struct {
	cancel  context.CancelFunc
	pending bool
}

// cancelRegistry is the Job Runner's per-job cancellation table.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[string]*cancelEntry
	log     *zap.Logger
}

func newCancelRegistry(log *zap.Logger) *cancelRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &cancelRegistry{entries: make(map[string]*cancelEntry), log: log}
}

// register links jobID to a cancel function. If a cancel was already
// latched, it fires immediately, per spec §4.4's "if a prior cancel
// was pending, cancel immediately."
func (r *cancelRegistry) register(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		r.entries[jobID] = &cancelEntry{cancel: cancel}
		return
	}
	e.cancel = cancel
	if e.pending {
		cancel()
	}
}

// forget removes a job's entry once it reaches a terminal state.
func (r *cancelRegistry) forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, jobID)
}

// cancelResult describes what requestCancel did, for audit/logging.
type cancelResult int

const (
	cancelEffectNone cancelResult = iota
	cancelEffectCanceledToken
	cancelEffectLatched
)

// requestCancel cancels a running job's token, or latches the request
// if the token is not yet registered.
func (r *cancelRegistry) requestCancel(jobID string) cancelResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		r.entries[jobID] = &cancelEntry{pending: true}
		return cancelEffectLatched
	}
	if e.cancel != nil {
		e.cancel()
		return cancelEffectCanceledToken
	}
	e.pending = true
	return cancelEffectLatched
}
