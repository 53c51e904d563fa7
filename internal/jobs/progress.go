package jobs

import (
	"strings"
	"sync"
	"time"

	"github.com/casegraph/workspace/internal/clockpath"
)

const (
	persistDeltaThreshold     = 0.10
	persistElapsedThreshold   = 300 * time.Millisecond
	persistMessageElapsedMin  = 150 * time.Millisecond
	progressNearlyDoneEpsilon = 0.999
)

var terminalMessagePrefixes = []string{"succeeded:", "failed:", "canceled"}

// progressState implements the monotone, throttled-persistence policy
// from spec §4.4: progress is clamped to [0,1] and never allowed to
// decrease; persistence happens only often enough to be useful.
type progressState struct {
	mu sync.Mutex

	clock clockpath.Clock

	current        float64
	currentMessage string

	lastPersisted        float64
	lastPersistedMessage string
	lastPersistedAt      time.Time
	everPersisted        bool
}

func newProgressState(clock clockpath.Clock) *progressState {
	return &progressState{clock: clock}
}

// advance applies a candidate (progress, message) update. It returns
// the clamped/monotone progress and message actually in effect, along
// with whether this call changed in-memory state (publish-worthy) and
// whether it crosses the persistence threshold (persist-worthy).
func (p *progressState) advance(progress float64, message string) (effProgress float64, effMessage string, changed bool, shouldPersist bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	if progress < p.current {
		progress = p.current // monotone non-decreasing: drop lowering attempts
	}

	messageChanged := message != "" && message != p.currentMessage
	progressChanged := progress != p.current

	if progressChanged {
		p.current = progress
	}
	if messageChanged {
		p.currentMessage = message
	}
	changed = progressChanged || messageChanged

	now := p.clock.NowUTC()
	isFinal := p.current >= progressNearlyDoneEpsilon || hasTerminalPrefix(p.currentMessage)
	elapsedSinceLastPersist := now.Sub(p.lastPersistedAt)

	switch {
	case !p.everPersisted:
		shouldPersist = true
	case isFinal:
		shouldPersist = true
	case p.current-p.lastPersisted >= persistDeltaThreshold:
		shouldPersist = true
	case elapsedSinceLastPersist >= persistElapsedThreshold:
		shouldPersist = true
	case messageChanged && elapsedSinceLastPersist >= persistMessageElapsedMin:
		shouldPersist = true
	}

	if shouldPersist {
		p.lastPersisted = p.current
		p.lastPersistedMessage = p.currentMessage
		p.lastPersistedAt = now
		p.everPersisted = true
	}

	return p.current, p.currentMessage, changed, shouldPersist
}

func hasTerminalPrefix(message string) bool {
	lower := strings.ToLower(message)
	for _, prefix := range terminalMessagePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
