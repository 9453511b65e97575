package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()

	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish([]byte("frame-0"), 0)

	f1 := <-ch1
	f2 := <-ch2
	assert.Equal(t, []byte("frame-0"), f1.JPEG)
	assert.Equal(t, f1.Seq, f2.Seq)
}

func TestBroadcasterSlowSubscriberGetsNewest(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()
	_, ch := b.Subscribe()

	// Subscriber never reads while three frames are published.
	b.Publish([]byte("a"), 0)
	b.Publish([]byte("b"), 1)
	b.Publish([]byte("c"), 2)

	f := <-ch
	assert.Equal(t, []byte("c"), f.JPEG, "stale frames are replaced, not queued")
	assert.Equal(t, int64(2), f.FrameIndex)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra frame %q", extra.JPEG)
	default:
	}
}

func TestBroadcasterSeqStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()
	_, ch := b.Subscribe()

	var last uint64
	for i := 0; i < 50; i++ {
		b.Publish([]byte{byte(i)}, int64(i))
		if i%7 == 0 {
			continue // let the mailbox overwrite sometimes
		}
		select {
		case f := <-ch:
			require.Greater(t, f.Seq, last)
			last = f.Seq
		default:
		}
	}
}

func TestBroadcasterLateJoinerGetsLatestFrame(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()

	b.Publish([]byte("a"), 0)
	b.Publish([]byte("b"), 1)

	_, ch := b.Subscribe()
	f := <-ch
	assert.Equal(t, []byte("b"), f.JPEG, "subscription starts from the newest frame")
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()
	id, ch := b.Subscribe()

	b.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount())

	// Unknown or repeated IDs are ignored.
	b.Unsubscribe(id)
	b.Unsubscribe("nope")
}

func TestBroadcasterClose(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()
	_, ch := b.Subscribe()

	b.Close()
	_, ok := <-ch
	assert.False(t, ok, "close ends every subscriber's stream")

	// Publish after close is a no-op.
	b.Publish([]byte("late"), 99)

	// Subscribe after close yields an immediately-ended stream.
	_, late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	b.Close() // idempotent
}

func TestBroadcasterConcurrentPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish([]byte{byte(i)}, int64(i))
		}
	}()

	for i := 0; i < 20; i++ {
		id, ch := b.Subscribe()
		select {
		case <-ch:
		default:
		}
		b.Unsubscribe(id)
	}
	<-done
	b.Close()
}
