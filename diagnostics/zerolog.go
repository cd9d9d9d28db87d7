package diagnostics

import (
	"github.com/erlorenz/topicbus/pubsub"
	"github.com/rs/zerolog"
)

// Zerolog writes broker events to a zerolog.Logger. Per-attempt and
// per-message events are logged at trace level so they stay out of
// production logs.
type Zerolog struct {
	Logger zerolog.Logger
}

var _ pubsub.Diagnostics = (*Zerolog)(nil)

// NewZerolog returns a sink writing to logger with a component field.
func NewZerolog(logger zerolog.Logger) *Zerolog {
	return &Zerolog{Logger: logger.With().Str("component", "pubsub").Logger()}
}

func (z *Zerolog) SubscribeAttempted(topic string, attempt int) {
	z.Logger.Trace().Str("topic", topic).Int("attempt", attempt).Msg("Subscribe attempted")
}

func (z *Zerolog) SubscribeFailed(topic string) {
	z.Logger.Warn().Str("topic", topic).Msg("Subscribe failed after all attempts")
}

func (z *Zerolog) MessageSent(topic string, msg pubsub.Message) {
	z.Logger.Trace().Str("topic", topic).Stringer("kind", msg.Kind()).Msg("Message sent")
}

func (z *Zerolog) TopicCreated(topic string) {
	z.Logger.Debug().Str("topic", topic).Msg("Topic created")
}

func (z *Zerolog) TopicClosed(topic string) {
	z.Logger.Debug().Str("topic", topic).Msg("Topic closed")
}

func (z *Zerolog) MessageDropped(topic string, policy pubsub.OverflowPolicy) {
	z.Logger.Debug().Str("topic", topic).Stringer("policy", policy).Msg("Message dropped")
}
