package pubsub

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// queue is one subscriber's bounded buffer. Writes happen only with the
// owning topic's send lock held, so there is a single writer at a time.
type queue struct {
	id     string
	topic  *Topic
	ch     chan Message
	policy OverflowPolicy

	// ended is closed when the stream is finished. The reader drains what
	// is buffered and then sees io.EOF.
	ended   chan struct{}
	endOnce sync.Once

	// left is closed when the subscriber goes away.
	left      chan struct{}
	leaveOnce sync.Once
}

func newQueue(t *Topic) *queue {
	return &queue{
		id:     uuid.NewString(),
		topic:  t,
		ch:     make(chan Message, t.info.Capacity),
		policy: t.info.Policy,
		ended:  make(chan struct{}),
		left:   make(chan struct{}),
	}
}

// push appends msg according to the overflow policy. It reports whether a
// message was dropped. abort is closed when the topic starts closing, which
// releases a publisher blocked under the Block policy.
func (q *queue) push(ctx context.Context, msg Message, abort <-chan struct{}) (dropped bool, err error) {
	select {
	case <-q.ended:
		return false, nil
	case <-q.left:
		return false, nil
	default:
	}

	select {
	case q.ch <- msg:
		return false, nil
	default:
	}

	switch q.policy {
	case DropNewest:
		return true, nil
	case Fail:
		return false, ErrQueueFull
	case Block:
		select {
		case q.ch <- msg:
			return false, nil
		case <-q.left:
			return false, nil
		case <-abort:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	default: // DropOldest
		for {
			select {
			case <-q.ch:
				dropped = true
			default:
			}
			select {
			case q.ch <- msg:
				return dropped, nil
			default:
			}
		}
	}
}

// pop returns the next buffered message, io.EOF once the stream is over,
// or the context error.
func (q *queue) pop(ctx context.Context) (Message, error) {
	select {
	case <-q.left:
		return nil, io.EOF
	default:
	}

	select {
	case msg := <-q.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-q.ch:
		return msg, nil
	case <-q.ended:
		select {
		case msg := <-q.ch:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-q.left:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish ends the stream. Callers hold the topic's send lock.
func (q *queue) finish() {
	q.endOnce.Do(func() { close(q.ended) })
}

// release detaches the queue from its topic. Safe to call more than once.
func (q *queue) release() {
	first := false
	q.leaveOnce.Do(func() {
		close(q.left)
		first = true
	})
	if first {
		q.topic.remove(q)
	}
}

func (q *queue) len() int {
	return len(q.ch)
}
