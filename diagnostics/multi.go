package diagnostics

import "github.com/erlorenz/topicbus/pubsub"

// Multi forwards every event to each sink in order. A sink that panics
// does not keep the event from the sinks after it; the first panic is
// raised again once every sink has run.
type Multi []pubsub.Diagnostics

var _ pubsub.Diagnostics = Multi(nil)

func (m Multi) each(fn func(pubsub.Diagnostics)) {
	var first any
	for _, d := range m {
		func() {
			defer func() {
				if r := recover(); r != nil && first == nil {
					first = r
				}
			}()
			fn(d)
		}()
	}
	if first != nil {
		panic(first)
	}
}

func (m Multi) SubscribeAttempted(topic string, attempt int) {
	m.each(func(d pubsub.Diagnostics) { d.SubscribeAttempted(topic, attempt) })
}

func (m Multi) SubscribeFailed(topic string) {
	m.each(func(d pubsub.Diagnostics) { d.SubscribeFailed(topic) })
}

func (m Multi) MessageSent(topic string, msg pubsub.Message) {
	m.each(func(d pubsub.Diagnostics) { d.MessageSent(topic, msg) })
}

func (m Multi) TopicCreated(topic string) {
	m.each(func(d pubsub.Diagnostics) { d.TopicCreated(topic) })
}

func (m Multi) TopicClosed(topic string) {
	m.each(func(d pubsub.Diagnostics) { d.TopicClosed(topic) })
}

func (m Multi) MessageDropped(topic string, policy pubsub.OverflowPolicy) {
	m.each(func(d pubsub.Diagnostics) { d.MessageDropped(topic, policy) })
}
