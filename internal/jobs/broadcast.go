package jobs

import (
	"sync"

	"go.uber.org/zap"
)

// subscriberBufferSize bounds each subscriber's channel, per the
// design notes' "multi-producer/multi-consumer broadcast channel with
// per-subscriber bounded buffer."
const subscriberBufferSize = 32

// Broadcaster fans JobInfo updates out to subscribers. A slow
// subscriber never blocks a publish: on overflow the oldest buffered
// update is dropped and a warning logged.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan JobInfo
	nextID      int
	log         *zap.Logger
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{subscribers: make(map[int]chan JobInfo), log: log}
}

// Subscribe registers a new observer and returns its channel plus an
// unsubscribe function. The channel is never closed by Publish; call
// unsubscribe to stop receiving and release the slot.
func (b *Broadcaster) Subscribe() (<-chan JobInfo, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan JobInfo, subscriberBufferSize)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

// Publish delivers info to every subscriber, dropping the oldest
// buffered update on a full channel rather than blocking.
func (b *Broadcaster) Publish(info JobInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- info:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- info:
			default:
			}
			b.log.Warn("JobUpdates subscriber buffer full, dropped oldest update",
				zap.Int("subscriberId", id), zap.String("jobId", info.JobID))
		}
	}
}
