package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// StreamFrame is one annotated JPEG frame published to stream subscribers.
type StreamFrame struct {
	JPEG       []byte
	Seq        uint64 // strictly increasing per job
	FrameIndex int64
}

// Broadcaster fans frames from a single job worker out to any number of
// stream subscribers. Each subscriber holds a one-slot mailbox: when a
// subscriber is slower than the producer the stale frame is replaced, so a
// reader always gets the newest frame and never blocks the worker.
//
// Closing the broadcaster closes every subscriber channel; a channel that
// yields no more values means the stream ended.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]chan StreamFrame
	latest *StreamFrame
	seq    uint64
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan StreamFrame)}
}

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "fallback-id"
	}
	return hex.EncodeToString(b)
}

// Subscribe registers a new consumer and returns its ID and frame channel.
// Subscribing to a closed broadcaster returns an already-closed channel.
func (b *Broadcaster) Subscribe() (string, <-chan StreamFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StreamFrame, 1)
	if b.closed {
		close(ch)
		return randomID(), ch
	}
	id := randomID()
	b.subs[id] = ch
	// A late joiner starts from the newest published frame instead of
	// waiting for the next one.
	if b.latest != nil {
		ch <- *b.latest
	}
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel. Unknown IDs are
// ignored so a late unsubscribe after Close is harmless.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers a frame to every subscriber, replacing any undelivered
// older frame. Never blocks. Publishing after Close is a no-op.
func (b *Broadcaster) Publish(jpeg []byte, frameIndex int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.seq++
	frame := StreamFrame{JPEG: jpeg, Seq: b.seq, FrameIndex: frameIndex}
	b.latest = &frame
	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			// Mailbox full: evict the stale frame, then deliver the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends the stream for all subscribers. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
