package pubsub

import (
	"log/slog"
)

// Diagnostics receives broker lifecycle events. Implementations must be
// safe for concurrent use. The broker never depends on what they do.
type Diagnostics interface {
	SubscribeAttempted(topic string, attempt int)
	SubscribeFailed(topic string)
	MessageSent(topic string, msg Message)
	TopicCreated(topic string)
	TopicClosed(topic string)
	MessageDropped(topic string, policy OverflowPolicy)
}

// NopDiagnostics ignores every event. Embed it to implement only some
// of the methods.
type NopDiagnostics struct{}

func (NopDiagnostics) SubscribeAttempted(string, int)        {}
func (NopDiagnostics) SubscribeFailed(string)                {}
func (NopDiagnostics) MessageSent(string, Message)           {}
func (NopDiagnostics) TopicCreated(string)                   {}
func (NopDiagnostics) TopicClosed(string)                    {}
func (NopDiagnostics) MessageDropped(string, OverflowPolicy) {}

// SlogDiagnostics writes events to a structured logger. Chatty events are
// logged at debug level.
type SlogDiagnostics struct {
	Logger *slog.Logger
}

// NewSlogDiagnostics returns a sink writing to logger, or to slog.Default
// when logger is nil.
func NewSlogDiagnostics(logger *slog.Logger) *SlogDiagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogDiagnostics{Logger: logger}
}

func (d *SlogDiagnostics) SubscribeAttempted(topic string, attempt int) {
	d.Logger.Debug("Subscribe attempted.", "topic", topic, "attempt", attempt)
}

func (d *SlogDiagnostics) SubscribeFailed(topic string) {
	d.Logger.Warn("Subscribe failed.", "topic", topic)
}

func (d *SlogDiagnostics) MessageSent(topic string, msg Message) {
	d.Logger.Debug("Message sent.", "topic", topic, "kind", msg.Kind())
}

func (d *SlogDiagnostics) TopicCreated(topic string) {
	d.Logger.Info("Topic created.", "topic", topic)
}

func (d *SlogDiagnostics) TopicClosed(topic string) {
	d.Logger.Info("Topic closed.", "topic", topic)
}

func (d *SlogDiagnostics) MessageDropped(topic string, policy OverflowPolicy) {
	d.Logger.Debug("Message dropped.", "topic", topic, "policy", policy)
}

// guardedDiagnostics keeps a misbehaving sink from breaking the broker.
type guardedDiagnostics struct {
	next   Diagnostics
	logger *slog.Logger
}

func (g guardedDiagnostics) catch(event string) {
	if r := recover(); r != nil {
		g.logger.Error("Diagnostics sink panicked.", "event", event, "panic", r)
	}
}

func (g guardedDiagnostics) SubscribeAttempted(topic string, attempt int) {
	defer g.catch("SubscribeAttempted")
	g.next.SubscribeAttempted(topic, attempt)
}

func (g guardedDiagnostics) SubscribeFailed(topic string) {
	defer g.catch("SubscribeFailed")
	g.next.SubscribeFailed(topic)
}

func (g guardedDiagnostics) MessageSent(topic string, msg Message) {
	defer g.catch("MessageSent")
	g.next.MessageSent(topic, msg)
}

func (g guardedDiagnostics) TopicCreated(topic string) {
	defer g.catch("TopicCreated")
	g.next.TopicCreated(topic)
}

func (g guardedDiagnostics) TopicClosed(topic string) {
	defer g.catch("TopicClosed")
	g.next.TopicClosed(topic)
}

func (g guardedDiagnostics) MessageDropped(topic string, policy OverflowPolicy) {
	defer g.catch("MessageDropped")
	g.next.MessageDropped(topic, policy)
}
