package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// State is a topic's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TopicInfo describes a topic to its transport.
type TopicInfo struct {
	Name     string
	Type     reflect.Type
	Capacity int
	Policy   OverflowPolicy
	Codec    Codec
}

// Topic is the unit of broadcast for one name and one payload type.
// Topics are created by the broker; callers only observe them.
type Topic struct {
	info      TopicInfo
	transport Transport
	diag      Diagnostics
	logger    *slog.Logger
	onClosed  func(*Topic)

	state atomic.Int32
	conn  Conn

	// mu guards subscriber set changes and the move to Closing.
	mu   sync.Mutex
	subs atomic.Pointer[[]*queue]

	// send serializes fan-out so every subscriber sees the same order.
	// Waiting for it honors the publisher's context.
	send *semaphore.Weighted

	closing chan struct{}
	closed  chan struct{}
}

func newTopic(info TopicInfo, transport Transport, diag Diagnostics, logger *slog.Logger, onClosed func(*Topic)) *Topic {
	t := &Topic{
		info:      info,
		transport: transport,
		diag:      diag,
		logger:    logger.With("topic", info.Name),
		onClosed:  onClosed,
		send:      semaphore.NewWeighted(1),
		closing:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
	t.subs.Store(&[]*queue{})
	return t
}

// Name returns the canonical topic name.
func (t *Topic) Name() string { return t.info.Name }

// Type returns the payload type fixed at creation.
func (t *Topic) Type() reflect.Type { return t.info.Type }

// Capacity returns the per-subscriber queue capacity.
func (t *Topic) Capacity() int { return t.info.Capacity }

// Policy returns the overflow policy.
func (t *Topic) Policy() OverflowPolicy { return t.info.Policy }

// State returns the current lifecycle state.
func (t *Topic) State() State { return State(t.state.Load()) }

// Subscribers returns the number of attached subscriber queues.
func (t *Topic) Subscribers() int { return len(*t.subs.Load()) }

// Closed is closed once the topic reached StateClosed and left the registry.
func (t *Topic) Closed() <-chan struct{} { return t.closed }

// connect opens the backing transport. On failure the topic ends up
// Closed without ever having been visible to subscribers.
func (t *Topic) connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return fmt.Errorf("connect topic in state %s", t.State())
	}

	conn, err := t.transport.Connect(ctx, t.info, t.dispatch)
	if err != nil {
		t.state.Store(int32(StateClosed))
		close(t.closing)
		close(t.closed)
		return err
	}

	t.conn = conn
	t.state.Store(int32(StateOpen))
	return nil
}

// watch blocks until the transport connection is gone and makes sure the
// topic is shut down afterwards.
func (t *Topic) watch() {
	<-t.conn.Done()
	t.shutdown(t.conn.Err())
}

// trySubscribe attaches a new subscriber queue. It returns nil when the
// topic no longer accepts subscribers, which the broker treats as a race
// to retry rather than an error.
func (t *Topic) trySubscribe() *queue {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateOpen {
		return nil
	}

	q := newQueue(t)
	subs := append(slices.Clone(*t.subs.Load()), q)
	t.subs.Store(&subs)
	return q
}

// remove detaches q. Losing the last subscriber closes the topic.
func (t *Topic) remove(q *queue) {
	t.mu.Lock()
	subs := slices.DeleteFunc(slices.Clone(*t.subs.Load()), func(s *queue) bool { return s == q })
	t.subs.Store(&subs)
	last := len(subs) == 0 && t.beginCloseLocked()
	t.mu.Unlock()

	if last {
		t.finishClose(nil)
	}
}

// publish hands msg to the transport. Topics that are not open drop it.
func (t *Topic) publish(ctx context.Context, msg Message) error {
	if t.State() != StateOpen {
		return nil
	}
	return t.conn.Send(ctx, msg)
}

// dispatch is the transport's delivery callback. It fans msg out to every
// subscriber queue.
func (t *Topic) dispatch(ctx context.Context, msg Message) error {
	if err := t.send.Acquire(ctx, 1); err != nil {
		return err
	}

	if t.State() != StateOpen {
		t.send.Release(1)
		return nil
	}

	if msg.Kind() == KindCompleted {
		for _, q := range *t.subs.Load() {
			q.finish()
		}
		t.send.Release(1)
		t.shutdown(nil)
		return nil
	}

	defer t.send.Release(1)

	var full bool
	for _, q := range *t.subs.Load() {
		dropped, err := q.push(ctx, msg, t.closing)
		if dropped {
			t.diag.MessageDropped(t.info.Name, t.info.Policy)
		}
		switch {
		case errors.Is(err, ErrQueueFull):
			full = true
			t.diag.MessageDropped(t.info.Name, t.info.Policy)
		case err != nil:
			return err
		}
	}
	if full {
		return ErrQueueFull
	}
	return nil
}

// shutdown moves the topic to Closed. reason is nil for an orderly close.
func (t *Topic) shutdown(reason error) {
	t.mu.Lock()
	ok := t.beginCloseLocked()
	t.mu.Unlock()

	if ok {
		t.finishClose(reason)
	}
}

// beginCloseLocked moves an open topic to Closing. Only one caller ever
// gets true. t.mu must be held.
func (t *Topic) beginCloseLocked() bool {
	if !t.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false
	}
	close(t.closing)
	return true
}

func (t *Topic) finishClose(reason error) {
	// Wait for in-flight fan-out, then end every stream. Buffered
	// messages stay readable. closing is already closed, so a publisher
	// blocked on a full queue lets go of the semaphore.
	_ = t.send.Acquire(context.Background(), 1)
	for _, q := range *t.subs.Load() {
		q.finish()
	}
	t.send.Release(1)

	if err := t.conn.Close(); err != nil {
		t.logger.Warn("Closing topic transport failed.", "error", err)
	}

	switch {
	case reason == nil, errors.Is(reason, ErrClosed):
		t.logger.Debug("Topic closed.")
	default:
		t.logger.Warn("Topic closed by transport.", "error", reason)
	}

	t.state.Store(int32(StateClosed))
	t.onClosed(t)
	t.diag.TopicClosed(t.info.Name)
	close(t.closed)
}
