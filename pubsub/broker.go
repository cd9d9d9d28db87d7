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
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// errTopicClosing is the soft failure of an attempt that found a topic
// which no longer accepts subscribers.
var errTopicClosing = errors.New("pubsub: topic is closing")

// Broker is the topic registry and the subscribe/publish coordinator.
// It is safe for concurrent use.
type Broker struct {
	cfg       Config
	names     NameFormatter
	transport Transport
	diag      Diagnostics
	logger    *slog.Logger

	// topics maps canonical names to *Topic. Entries are added only by
	// createTopic and removed only by a topic's own closure.
	topics sync.Map

	// guard serializes topic creation, and nothing else.
	guard *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	created atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(b *Broker) {
		b.cfg = cfg
	}
}

// WithDiagnostics sets the sink receiving lifecycle events.
// Default: NopDiagnostics
func WithDiagnostics(d Diagnostics) Option {
	return func(b *Broker) {
		b.diag = d
	}
}

// WithLogger sets the logger used for operational messages.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// New creates a broker delivering through transport.
func New(transport Transport, opts ...Option) (*Broker, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfiguration)
	}

	b := &Broker{
		cfg:       DefaultConfig(),
		transport: transport,
		diag:      NopDiagnostics{},
		logger:    slog.Default(),
		guard:     semaphore.NewWeighted(1),
	}

	for _, opt := range opts {
		opt(b)
	}

	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	b.names = NameFormatter{Prefix: b.cfg.TopicPrefix}
	b.diag = guardedDiagnostics{next: b.diag, logger: b.logger}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	return b, nil
}

// SubscribeOption overrides broker defaults for one Subscribe call. The
// values only matter when the call creates the topic; an existing topic
// keeps the capacity and policy it was created with.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	capacity int
	policy   OverflowPolicy
}

// WithBufferCapacity sets the subscriber queue capacity. It must be at
// least MinBufferCapacity.
func WithBufferCapacity(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		o.capacity = n
	}
}

// WithOverflowPolicy sets the topic's overflow policy.
func WithOverflowPolicy(p OverflowPolicy) SubscribeOption {
	return func(o *subscribeOptions) {
		o.policy = p
	}
}

// Subscribe joins the topic for key, creating it if needed, and returns a
// private stream of the messages published after the call succeeded.
//
// Races with topic creation and teardown are retried with a linear
// backoff, up to Config.MaxAttempts attempts. A topic registered with a
// different payload type fails immediately with ErrInvalidMessageType, as
// does a topic the transport rejects with ErrInvalidConfiguration.
// Exhausting the attempts fails with ErrCannotSubscribe.
func Subscribe[T any](ctx context.Context, b *Broker, key string, opts ...SubscribeOption) (*Subscription[T], error) {
	if key == "" {
		return nil, fmt.Errorf("%w: topic key must not be empty", ErrInvalidConfiguration)
	}

	o := subscribeOptions{capacity: b.cfg.BufferCapacity, policy: b.cfg.OverflowPolicy}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity < MinBufferCapacity {
		return nil, fmt.Errorf("%w: buffer capacity %d is below %d", ErrInvalidConfiguration, o.capacity, MinBufferCapacity)
	}
	if !o.policy.Valid() {
		return nil, fmt.Errorf("%w: unknown overflow policy %d", ErrInvalidConfiguration, int(o.policy))
	}

	if b.closed.Load() {
		return nil, ErrClosed
	}

	info := TopicInfo{
		Name:     b.names.Format(key),
		Type:     reflect.TypeFor[T](),
		Capacity: o.capacity,
		Policy:   o.policy,
		Codec:    NewJSONCodec[T](),
	}

	q, err := b.subscribe(ctx, info)
	if err != nil {
		return nil, err
	}
	return newSubscription[T](q), nil
}

// SubscribeFunc subscribes and calls fn for every message on a new
// goroutine. The subscription lasts until ctx is canceled, the stream is
// completed, or the broker is closed.
func SubscribeFunc[T any](ctx context.Context, b *Broker, key string, fn func(T), opts ...SubscribeOption) error {
	sub, err := Subscribe[T](ctx, b, key, opts...)
	if err != nil {
		return err
	}

	go func() {
		defer sub.Close()
		for v, err := range sub.All(ctx) {
			if err != nil {
				return
			}
			fn(v)
		}
	}()

	return nil
}

// Publish sends msg to every current subscriber of key. Publishing to a
// key without a topic does nothing; no topic is created for it.
func Publish[T any](ctx context.Context, b *Broker, key string, msg T) error {
	if b.closed.Load() {
		return ErrClosed
	}

	name := b.names.Format(key)
	env := NewEnvelope(msg)
	b.diag.MessageSent(name, env)

	t, err := b.lookup(name, reflect.TypeFor[T]())
	if err != nil || t == nil {
		return err
	}
	return t.publish(ctx, env)
}

// Complete ends the stream of every current subscriber of key. The
// subscribers still receive what is already buffered.
func (b *Broker) Complete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	name := b.names.Format(key)
	b.diag.MessageSent(name, Completed)

	v, ok := b.topics.Load(name)
	if !ok {
		return nil
	}
	return v.(*Topic).publish(ctx, Completed)
}

// TryGetTopic returns the topic registered for key. A topic registered
// with a payload type other than T is an ErrInvalidMessageType error, not
// a miss.
func TryGetTopic[T any](b *Broker, key string) (*Topic, bool, error) {
	t, err := b.lookup(b.names.Format(key), reflect.TypeFor[T]())
	if err != nil {
		return nil, false, err
	}
	return t, t != nil, nil
}

// Topics returns the names of the registered topics, sorted.
func (b *Broker) Topics() []string {
	var names []string
	b.topics.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	slices.Sort(names)
	return names
}

// Created returns how many topics this broker has connected so far.
func (b *Broker) Created() int64 {
	return b.created.Load()
}

// Close shuts down every topic and cancels subscribe calls in progress.
// Subscribers drain what is buffered and then see the end of their stream.
// Close waits for the topics' background goroutines to exit.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	b.cancel()

	// No creation can be in flight once the guard is held.
	if err := b.guard.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer b.guard.Release(1)

	b.topics.Range(func(_, v any) bool {
		v.(*Topic).shutdown(ErrClosed)
		return true
	})

	b.wg.Wait()
	return nil
}

// subscribe runs the bounded retry loop.
func (b *Broker) subscribe(ctx context.Context, info TopicInfo) (*queue, error) {
	ctx, stop := b.bind(ctx)
	defer stop()

	var attempt int
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: b.cfg.RetryDelay}, uint64(b.cfg.MaxAttempts-1)),
		ctx,
	)

	q, err := backoff.RetryWithData[*queue](func() (*queue, error) {
		attempt++
		b.diag.SubscribeAttempted(info.Name, attempt)
		return b.trySubscribe(ctx, info)
	}, policy)
	if err == nil {
		return q, nil
	}

	switch {
	case errors.Is(err, ErrInvalidMessageType), errors.Is(err, ErrInvalidConfiguration):
		return nil, err
	case ctx.Err() != nil:
		return nil, context.Cause(ctx)
	case errors.Is(err, ErrClosed):
		return nil, err
	}

	b.diag.SubscribeFailed(info.Name)
	return nil, fmt.Errorf("%w %q after %d attempts: %w", ErrCannotSubscribe, info.Name, attempt, err)
}

// trySubscribe is a single attempt. Errors wrapped in backoff.Permanent
// end the loop; everything else is a race worth another attempt.
func (b *Broker) trySubscribe(ctx context.Context, info TopicInfo) (*queue, error) {
	t, err := b.lookup(info.Name, info.Type)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	if t == nil {
		t, err = b.createTopic(ctx, info)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrInvalidMessageType), errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrClosed):
			return nil, backoff.Permanent(err)
		default:
			b.logger.Warn("Topic connect failed.", "topic", info.Name, "error", err)
			return nil, err
		}
	}

	if q := t.trySubscribe(); q != nil {
		return q, nil
	}
	return nil, fmt.Errorf("%w: %q", errTopicClosing, info.Name)
}

// createTopic connects a topic for info and registers it, unless another
// caller got there first.
func (b *Broker) createTopic(ctx context.Context, info TopicInfo) (*Topic, error) {
	if err := b.guard.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.guard.Release(1)

	if b.closed.Load() {
		return nil, ErrClosed
	}

	// Double-check under the guard.
	if t, err := b.lookup(info.Name, info.Type); err != nil || t != nil {
		return t, err
	}

	t := newTopic(info, b.transport, b.diag, b.logger, b.release)
	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect topic %q: %w", info.Name, err)
	}

	// Announce before the topic is reachable, so no TopicClosed can come
	// first.
	b.diag.TopicCreated(info.Name)

	b.topics.Store(info.Name, t)
	b.created.Add(1)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t.watch()
	}()

	return t, nil
}

// lookup returns the registered topic or nil. It never creates one.
func (b *Broker) lookup(name string, typ reflect.Type) (*Topic, error) {
	v, ok := b.topics.Load(name)
	if !ok {
		return nil, nil
	}

	t := v.(*Topic)
	if t.Type() != typ {
		return nil, fmt.Errorf("%w: topic %q carries %s, not %s", ErrInvalidMessageType, name, t.Type(), typ)
	}
	return t, nil
}

// release is every topic's closure callback. It removes the entry only
// while it still maps to that exact topic, so a replacement created under
// the same name survives.
func (b *Broker) release(t *Topic) {
	b.topics.CompareAndDelete(t.Name(), t)
}

// bind derives a context that is also canceled, with cause ErrClosed,
// when the broker closes.
func (b *Broker) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stopAfter := context.AfterFunc(b.ctx, func() { cancel(ErrClosed) })
	return ctx, func() {
		stopAfter()
		cancel(nil)
	}
}

// linearBackOff waits step times the number of the attempt about to run,
// so 2*step before the second attempt and 3*step before the third.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n+1) * l.step
}

func (l *linearBackOff) Reset() { l.n = 0 }
