package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// maxNotifyPayload is PostgreSQL's NOTIFY payload limit.
	maxNotifyPayload = 8000
	// maxChannelName is the longest identifier PostgreSQL keeps intact.
	maxChannelName = 63

	unlistenTimeout = time.Second
)

// Postgres is a transport that uses PostgreSQL's LISTEN/NOTIFY. It's
// suitable for multi-process applications where topics must be shared
// across instances connected to the same database.
//
// Each open topic holds one pooled connection running LISTEN on the topic
// name. Publishing runs pg_notify, so every process listening on the name,
// including the publisher, fans the message out to its own subscribers.
// Messages are encoded with the topic's Codec and are not persisted.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PostgresOption configures a Postgres transport.
type PostgresOption func(*Postgres)

// WithPostgresLogger sets the logger for listener errors.
// Default: slog.Default()
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		p.logger = logger
	}
}

// NewPostgres creates a transport using the provided connection pool.
// The pool must remain open for the lifetime of the broker and needs one
// spare connection per open topic.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect implements [Transport]. It acquires a dedicated connection and
// starts listening on the topic name.
func (p *Postgres) Connect(ctx context.Context, info TopicInfo, deliver func(context.Context, Message) error) (Conn, error) {
	if len(info.Name) > maxChannelName {
		return nil, fmt.Errorf("%w: topic name %q exceeds %d bytes", ErrInvalidConfiguration, info.Name, maxChannelName)
	}
	if info.Codec == nil {
		return nil, fmt.Errorf("%w: topic %q has no codec", ErrInvalidConfiguration, info.Name)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{info.Name}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %q: %w", info.Name, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	c := &postgresConn{
		pool:    p.pool,
		info:    info,
		deliver: deliver,
		logger:  p.logger.With("topic", info.Name),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go c.listen(listenCtx, conn)

	return c, nil
}

// postgresConn is one topic's LISTEN session.
type postgresConn struct {
	pool    *pgxpool.Pool
	info    TopicInfo
	deliver func(context.Context, Message) error
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// listen waits for notifications and delivers them in arrival order.
func (c *postgresConn) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(c.done)
	defer c.release(conn)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// Context canceled means Close; anything else is a failure.
			if ctx.Err() == nil {
				c.setErr(fmt.Errorf("wait for notification: %w", err))
			}
			return
		}

		msg, err := c.info.Codec.Decode([]byte(n.Payload))
		if err != nil {
			c.logger.Warn("Dropping undecodable notification.", "error", err)
			continue
		}

		// Publish has already returned. dispatch reported the drop.
		if err := c.deliver(ctx, msg); errors.Is(err, ErrQueueFull) {
			c.logger.Debug("Subscriber queue full, message dropped.")
		} else if err != nil {
			c.logger.Debug("Delivery interrupted.", "error", err)
		}
	}
}

// release stops listening before handing the connection back, so the pool
// never lends out a connection with a stale LISTEN.
func (c *postgresConn) release(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{c.info.Name}.Sanitize()); err != nil {
			c.logger.Debug("Unlisten failed.", "error", err)
		}
	}
	conn.Release()
}

// Send publishes msg through NOTIFY.
func (c *postgresConn) Send(ctx context.Context, msg Message) error {
	payload, err := c.info.Codec.Encode(msg)
	if err != nil {
		return err
	}

	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes exceeds the NOTIFY limit of %d", ErrPayloadTooLarge, len(payload), maxNotifyPayload)
	}

	_, err = c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", c.info.Name, string(payload))
	return err
}

func (c *postgresConn) Done() <-chan struct{} { return c.done }

func (c *postgresConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *postgresConn) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Close stops the listener without waiting for it; Done reports when the
// connection went back to the pool.
func (c *postgresConn) Close() error {
	c.cancel()
	return nil
}
