package pubsub

import (
	"context"
	"sync"
)

// Transport connects topics to a delivery backend. It is the seam between
// the broker, which coordinates topic objects, and the mechanism that moves
// a published message to every process holding that topic.
type Transport interface {
	// Connect opens the backing channel for a topic. deliver must be called
	// for every message the backend receives for the topic, in order.
	// Connect must honor ctx and leave nothing behind when it fails.
	Connect(ctx context.Context, info TopicInfo, deliver func(context.Context, Message) error) (Conn, error)
}

// Conn is a topic's live connection to its transport.
type Conn interface {
	// Send publishes msg to the topic through the backend.
	Send(ctx context.Context, msg Message) error
	// Done is closed once the connection is gone, either after Close or
	// because the backend failed.
	Done() <-chan struct{}
	// Err returns the failure that closed Done, or nil.
	Err() error
	// Close releases the connection. It must not wait for deliveries in
	// progress.
	Close() error
}

// InMemory is a transport that delivers within the current process.
// It's suitable for single-process applications, testing, and development.
// Messages are not persisted and are lost if no subscribers are active.
type InMemory struct{}

// NewInMemory creates a new in-memory transport.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Connect implements [Transport].
func (m *InMemory) Connect(ctx context.Context, _ TopicInfo, deliver func(context.Context, Message) error) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryConn{
		deliver: deliver,
		done:    make(chan struct{}),
	}, nil
}

// memoryConn hands messages straight to the topic, on the publisher's
// goroutine.
type memoryConn struct {
	deliver func(context.Context, Message) error
	done    chan struct{}
	once    sync.Once
}

func (c *memoryConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return c.deliver(ctx, msg)
}

func (c *memoryConn) Done() <-chan struct{} { return c.done }

func (c *memoryConn) Err() error { return nil }

func (c *memoryConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
