// Package pubsub provides an in-process publish-subscribe broker that
// multiplexes named topics to many concurrent subscribers.
//
// Every subscriber owns a private, bounded, ordered queue. A topic is created
// lazily by the first Subscribe for its name and torn down when it closes.
// The broker guarantees that at most one live topic exists per name, even
// when many callers race to create it.
//
// Delivery inside a topic is pluggable through a [Transport]:
//   - InMemory: delivers within the current process
//   - Postgres: delivers through LISTEN/NOTIFY, across processes
//
// The broker is generic over the payload type. Because Go methods cannot
// carry type parameters, the typed entry points are package functions:
//
//	sub, err := pubsub.Subscribe[Order](ctx, broker, "orders")
//	err = pubsub.Publish(ctx, broker, "orders", Order{ID: 1})
package pubsub

import (
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("pubsub: broker is closed")

	// ErrInvalidConfiguration is returned for bad options, before the
	// registry is touched.
	ErrInvalidConfiguration = errors.New("pubsub: invalid configuration")

	// ErrInvalidMessageType is returned when a topic exists under the
	// requested name with a different payload type. It is never retried.
	ErrInvalidMessageType = errors.New("pubsub: invalid message type")

	// ErrCannotSubscribe is returned when every subscribe attempt failed.
	ErrCannotSubscribe = errors.New("pubsub: cannot subscribe")

	// ErrQueueFull is returned by Publish on a topic using [Fail] when a
	// subscriber queue has no room. Only transports that deliver on the
	// publisher's goroutine, like InMemory, can report it; with Postgres
	// the drop is reported to Diagnostics.MessageDropped instead.
	ErrQueueFull = errors.New("pubsub: subscriber queue is full")

	// ErrPayloadTooLarge is returned by transports with a payload limit.
	ErrPayloadTooLarge = errors.New("pubsub: payload too large")
)

// MinBufferCapacity is the smallest accepted subscriber queue capacity.
const MinBufferCapacity = 8

// OverflowPolicy decides what happens when a subscriber queue is full.
// Exactly one policy is active per topic, fixed when the topic is created.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest buffered message to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the message being published.
	DropNewest
	// Block makes the publisher wait for room, cancellation, or the
	// subscriber leaving.
	Block
	// Fail makes Publish return ErrQueueFull when the transport delivers
	// synchronously. Subscribers with room still receive the message.
	Fail
)

var overflowPolicyNames = map[OverflowPolicy]string{
	DropOldest: "drop-oldest",
	DropNewest: "drop-newest",
	Block:      "block",
	Fail:       "fail",
}

func (p OverflowPolicy) String() string {
	if name, ok := overflowPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

// Valid reports whether p is one of the known policies.
func (p OverflowPolicy) Valid() bool {
	_, ok := overflowPolicyNames[p]
	return ok
}

// MarshalText implements [encoding.TextMarshaler].
func (p OverflowPolicy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown overflow policy %d", ErrInvalidConfiguration, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *OverflowPolicy) UnmarshalText(text []byte) error {
	for policy, name := range overflowPolicyNames {
		if name == string(text) {
			*p = policy
			return nil
		}
	}
	return fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidConfiguration, text)
}

// Config holds the broker settings. The struct tags are understood by
// cfgx.Parse, so a Config can be loaded from defaults, env and flags.
type Config struct {
	// TopicPrefix is prepended to every topic key.
	TopicPrefix string `optional:"true" desc:"Prefix prepended to every topic name"`
	// BufferCapacity is the default subscriber queue capacity.
	BufferCapacity int `default:"64" desc:"Default subscriber queue capacity (min 8)"`
	// OverflowPolicy is the default policy for new topics.
	OverflowPolicy OverflowPolicy `default:"drop-oldest" optional:"true" desc:"block, drop-oldest, drop-newest or fail"`
	// MaxAttempts bounds the subscribe retry loop.
	MaxAttempts int `default:"4" desc:"Subscribe attempts before giving up"`
	// RetryDelay times the attempt number is waited before each retry.
	RetryDelay time.Duration `default:"5ms" desc:"Base delay between subscribe attempts"`
}

// DefaultConfig returns the same values the struct tags describe.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 64,
		OverflowPolicy: DropOldest,
		MaxAttempts:    4,
		RetryDelay:     5 * time.Millisecond,
	}
}

// Validate checks the config and wraps ErrInvalidConfiguration.
func (c Config) Validate() error {
	if c.BufferCapacity < MinBufferCapacity {
		return fmt.Errorf("%w: buffer capacity %d is below %d", ErrInvalidConfiguration, c.BufferCapacity, MinBufferCapacity)
	}
	if !c.OverflowPolicy.Valid() {
		return fmt.Errorf("%w: unknown overflow policy %d", ErrInvalidConfiguration, int(c.OverflowPolicy))
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfiguration)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidConfiguration)
	}
	return nil
}
