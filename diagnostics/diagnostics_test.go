package diagnostics_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/erlorenz/topicbus/diagnostics"
	"github.com/erlorenz/topicbus/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// exercise drives one topic through its whole life.
func exercise(t *testing.T, d pubsub.Diagnostics) {
	t.Helper()

	broker, err := pubsub.New(pubsub.NewInMemory(), pubsub.WithDiagnostics(d), pubsub.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer broker.Close()

	ctx := context.Background()
	sub, err := pubsub.Subscribe[int](ctx, broker, "k",
		pubsub.WithBufferCapacity(pubsub.MinBufferCapacity),
		pubsub.WithOverflowPolicy(pubsub.DropNewest),
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := range 10 {
		pubsub.Publish(ctx, broker, "k", i)
	}
	if err := broker.Complete(ctx, "k"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := diagnostics.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	exercise(t, m)

	expected := `
# HELP topicbus_messages_dropped_total Messages a subscriber queue did not take.
# TYPE topicbus_messages_dropped_total counter
topicbus_messages_dropped_total{policy="drop-newest",topic="k"} 2
# HELP topicbus_messages_sent_total Messages handed to the broker for publishing.
# TYPE topicbus_messages_sent_total counter
topicbus_messages_sent_total{kind="completed",topic="k"} 1
topicbus_messages_sent_total{kind="data",topic="k"} 10
# HELP topicbus_subscribe_attempts_total Subscribe attempts, including retries.
# TYPE topicbus_subscribe_attempts_total counter
topicbus_subscribe_attempts_total{topic="k"} 1
# HELP topicbus_topics_closed_total Topics closed.
# TYPE topicbus_topics_closed_total counter
topicbus_topics_closed_total 1
# HELP topicbus_topics_created_total Topics created.
# TYPE topicbus_topics_created_total counter
topicbus_topics_created_total 1
# HELP topicbus_topics_open Topics currently registered.
# TYPE topicbus_topics_open gauge
topicbus_topics_open 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := diagnostics.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	second, err := diagnostics.NewMetrics(reg)
	if err != nil {
		t.Fatalf("Second NewMetrics failed: %v", err)
	}

	first.TopicCreated("a")
	second.TopicCreated("b")

	if n, err := testutil.GatherAndCount(reg, "topicbus_topics_created_total"); err != nil || n != 1 {
		t.Fatalf("Expected one shared series, got %d (%v)", n, err)
	}

	want := `
# HELP topicbus_topics_created_total Topics created.
# TYPE topicbus_topics_created_total counter
topicbus_topics_created_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "topicbus_topics_created_total"); err != nil {
		t.Error(err)
	}
}

func TestZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)

	exercise(t, diagnostics.NewZerolog(logger))

	seen := map[string]int{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry struct {
			Message   string `json:"message"`
			Topic     string `json:"topic"`
			Component string `json:"component"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Invalid log line %q: %v", line, err)
		}
		if entry.Topic != "k" || entry.Component != "pubsub" {
			t.Errorf("Unexpected fields in %s", line)
		}
		seen[entry.Message]++
	}

	want := map[string]int{
		"Subscribe attempted": 1,
		"Topic created":       1,
		"Message sent":        11,
		"Message dropped":     2,
		"Topic closed":        1,
	}
	for msg, n := range want {
		if seen[msg] != n {
			t.Errorf("Expected %d %q entries, got %d", n, msg, seen[msg])
		}
	}
}

func TestZerologLevelFiltersChattyEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	z := diagnostics.NewZerolog(logger)
	z.SubscribeAttempted("k", 1)
	z.MessageSent("k", pubsub.NewEnvelope(1))
	z.TopicCreated("k")
	if buf.Len() != 0 {
		t.Fatalf("Expected nothing below info, got %s", buf.String())
	}

	z.SubscribeFailed("k")
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("Expected a warning, got %s", buf.String())
	}
}

type counter struct {
	pubsub.NopDiagnostics
	created int
}

func (c *counter) TopicCreated(string) { c.created++ }

func TestMulti(t *testing.T) {
	a, b := &counter{}, &counter{}
	multi := diagnostics.Multi{a, b, pubsub.NopDiagnostics{}}

	multi.TopicCreated("k")
	multi.TopicClosed("k")
	multi.MessageSent("k", pubsub.Completed)
	multi.SubscribeAttempted("k", 1)
	multi.SubscribeFailed("k")
	multi.MessageDropped("k", pubsub.Fail)

	if a.created != 1 || b.created != 1 {
		t.Errorf("Expected each sink to see one event, got %d and %d", a.created, b.created)
	}
}

type exploding struct {
	pubsub.NopDiagnostics
}

func (exploding) TopicCreated(string) { panic("sink exploded") }

func TestMultiKeepsGoingAfterPanic(t *testing.T) {
	after := &counter{}
	multi := diagnostics.Multi{exploding{}, after}

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		multi.TopicCreated("k")
	}()

	if after.created != 1 {
		t.Errorf("Expected the sink after the panicking one to see the event, got %d", after.created)
	}
	if recovered != "sink exploded" {
		t.Errorf("Expected the panic to be raised again, got %v", recovered)
	}

	// Through the broker the panic is contained and the second sink counts.
	after.created = 0
	exercise(t, diagnostics.Multi{exploding{}, after})
	if after.created != 1 {
		t.Errorf("Expected one created event through the broker, got %d", after.created)
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(diagnostics.NewSlogHandler(zerolog.New(&buf).Level(zerolog.InfoLevel)))

	logger.Debug("Hidden.")
	if buf.Len() != 0 {
		t.Fatalf("Expected debug to be filtered, got %s", buf.String())
	}

	logger.With("topic", "k").WithGroup("conn").Warn("Closing topic transport failed.", "attempt", 2, "error", errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Invalid log line %q: %v", buf.String(), err)
	}

	want := map[string]any{
		"level":        "warn",
		"message":      "Closing topic transport failed.",
		"topic":        "k",
		"conn.attempt": float64(2),
		"conn.error":   "boom",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, entry[k])
		}
	}
}
