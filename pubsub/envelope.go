package pubsub

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes data messages from the end-of-stream marker.
type Kind uint8

const (
	KindData Kind = iota
	KindCompleted
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCompleted:
		return "completed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is the type-erased view of an envelope, as seen by transports
// and diagnostics.
type Message interface {
	Kind() Kind
	// Payload returns the wrapped value, or nil for a completion.
	Payload() any
}

// Envelope wraps a data payload of type T. It is immutable.
type Envelope[T any] struct {
	value T
}

// NewEnvelope wraps v.
func NewEnvelope[T any](v T) Envelope[T] {
	return Envelope[T]{value: v}
}

func (Envelope[T]) Kind() Kind { return KindData }

func (e Envelope[T]) Payload() any { return e.value }

// Value returns the payload.
func (e Envelope[T]) Value() T { return e.value }

type completion struct{}

func (completion) Kind() Kind   { return KindCompleted }
func (completion) Payload() any { return nil }

// Completed marks the end of a stream. It carries no payload and is shared
// by all topics.
var Completed Message = completion{}

// NameFormatter maps caller keys to canonical topic names.
type NameFormatter struct {
	Prefix string
}

// Format returns the prefix followed by key.
func (f NameFormatter) Format(key string) string {
	return f.Prefix + key
}

// Codec converts messages of one payload type to and from wire bytes.
// Transports that leave the process use it; InMemory does not.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

type wireMessage struct {
	Kind    Kind            `json:"k"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// NewJSONCodec returns the codec the broker gives every topic of payload
// type T. Data payloads are encoded with encoding/json.
func NewJSONCodec[T any]() Codec {
	return jsonCodec[T]{}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(msg Message) ([]byte, error) {
	w := wireMessage{Kind: msg.Kind()}
	if msg.Kind() == KindData {
		env, ok := msg.(Envelope[T])
		if !ok {
			return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidMessageType, msg)
		}
		p, err := json.Marshal(env.value)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = p
	}
	return json.Marshal(w)
}

func (jsonCodec[T]) Decode(b []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch w.Kind {
	case KindCompleted:
		return Completed, nil
	case KindData:
		var v T
		if err := json.Unmarshal(w.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return Envelope[T]{value: v}, nil
	default:
		return nil, fmt.Errorf("decode message: unknown kind %d", w.Kind)
	}
}
