package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"runtime"
	"sync"
)

// Subscription is a caller-owned stream of the messages published to one
// topic after the subscription was made. It ends with io.EOF when the
// topic is completed or closed, and cannot be restarted.
//
// Close the subscription when done. A subscription that is garbage
// collected without Close releases its queue on a best-effort basis.
type Subscription[T any] struct {
	q       *queue
	cleanup runtime.Cleanup
	once    sync.Once
}

func newSubscription[T any](q *queue) *Subscription[T] {
	s := &Subscription[T]{q: q}
	s.cleanup = runtime.AddCleanup(s, func(q *queue) { q.release() }, q)
	return s
}

// ID returns the unique subscription id.
func (s *Subscription[T]) ID() string { return s.q.id }

// Topic returns the canonical name of the subscribed topic.
func (s *Subscription[T]) Topic() string { return s.q.topic.Name() }

// Buffered returns the number of messages waiting to be read.
func (s *Subscription[T]) Buffered() int { return s.q.len() }

// Next blocks until the next message arrives. It returns io.EOF once the
// stream is over, or the context error.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T

	msg, err := s.q.pop(ctx)
	if err != nil {
		return zero, err
	}

	env, ok := msg.(Envelope[T])
	if !ok {
		return zero, fmt.Errorf("%w: received %T", ErrInvalidMessageType, msg)
	}
	return env.Value(), nil
}

// All returns an iterator over the remaining messages. Iteration stops
// quietly at the end of the stream; any other error is yielded once.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Close leaves the topic. Buffered messages are discarded. If this was the
// topic's last subscriber, the topic closes.
func (s *Subscription[T]) Close() error {
	s.once.Do(func() {
		s.cleanup.Stop()
		s.q.release()
	})
	return nil
}
