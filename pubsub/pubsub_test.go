package pubsub_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/erlorenz/topicbus/pubsub"
	"github.com/google/uuid"
)

type order struct {
	ID    int    `json:"id"`
	Item  string `json:"item"`
	Total int    `json:"total"`
}

// testBroker runs a common test suite against any transport.
func testBroker(t *testing.T, newTransport func(t *testing.T) pubsub.Transport) {
	t.Helper()

	tests := []struct {
		name string
		test func(t *testing.T, broker *pubsub.Broker)
	}{
		{"PublishWithNoTopic", testPublishWithNoTopic},
		{"SingleSubscriber", testSingleSubscriber},
		{"MultipleSubscribersInOrder", testMultipleSubscribersInOrder},
		{"MultipleTopics", testMultipleTopics},
		{"CompleteEndsStreams", testCompleteEndsStreams},
		{"TypeMismatch", testTypeMismatch},
		{"UnsubscribeClosesTopic", testUnsubscribeClosesTopic},
		{"NextContextCancellation", testNextContextCancellation},
		{"CloseBroker", testCloseBroker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pubsub.DefaultConfig()
			// Unique per run so shared backends never mix test runs.
			cfg.TopicPrefix = "tb_" + uuid.NewString()[:8] + ":"

			broker := newBroker(t, newTransport(t), pubsub.WithConfig(cfg))
			tt.test(t, broker)
		})
	}
}

func testPublishWithNoTopic(t *testing.T, broker *pubsub.Broker) {
	ctx := context.Background()

	// Should not error and must not create anything
	if err := pubsub.Publish(ctx, broker, "orders", order{ID: 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := broker.Complete(ctx, "orders"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if topics := broker.Topics(); len(topics) != 0 {
		t.Errorf("Expected no topics, got %v", topics)
	}
	if _, ok, err := pubsub.TryGetTopic[order](broker, "orders"); ok || err != nil {
		t.Errorf("TryGetTopic: expected miss, got ok=%t err=%v", ok, err)
	}
}

func testSingleSubscriber(t *testing.T, broker *pubsub.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := pubsub.Subscribe[order](ctx, broker, "orders")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	want := order{ID: 7, Item: "widget", Total: 1200}
	if err := pubsub.Publish(ctx, broker, "orders", want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if sub.ID() == "" {
		t.Error("Expected a subscription id")
	}
	if !slices.Contains(broker.Topics(), sub.Topic()) {
		t.Errorf("Topic %q is not registered: %v", sub.Topic(), broker.Topics())
	}
}

func testMultipleSubscribersInOrder(t *testing.T, broker *pubsub.Broker) {
	ctx := context.Background()
	const count = 50

	var subs []*pubsub.Subscription[int]
	for range 3 {
		sub, err := pubsub.Subscribe[int](ctx, broker, "counter", pubsub.WithBufferCapacity(count))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Close()
		subs = append(subs, sub)
	}

	for i := range count {
		if err := pubsub.Publish(ctx, broker, "counter", i); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if err := broker.Complete(ctx, "counter"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	want := make([]int, count)
	for i := range want {
		want[i] = i
	}

	for i, sub := range subs {
		if got := readAll(t, sub); !slices.Equal(got, want) {
			t.Errorf("Subscriber %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func testMultipleTopics(t *testing.T, broker *pubsub.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subA, err := pubsub.Subscribe[string](ctx, broker, "topic-a")
	if err != nil {
		t.Fatalf("Subscribe topic-a failed: %v", err)
	}
	defer subA.Close()

	subB, err := pubsub.Subscribe[string](ctx, broker, "topic-b")
	if err != nil {
		t.Fatalf("Subscribe topic-b failed: %v", err)
	}
	defer subB.Close()

	pubsub.Publish(ctx, broker, "topic-a", "message-a")

	if msg, err := subA.Next(ctx); err != nil || msg != "message-a" {
		t.Fatalf("topic-a: expected 'message-a', got %q (%v)", msg, err)
	}

	// topic-b should not receive anything
	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	if msg, err := subB.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("topic-b should not receive message, got %q (%v)", msg, err)
	}

	pubsub.Publish(ctx, broker, "topic-b", "message-b")

	if msg, err := subB.Next(ctx); err != nil || msg != "message-b" {
		t.Errorf("topic-b: expected 'message-b', got %q (%v)", msg, err)
	}
}

func testCompleteEndsStreams(t *testing.T, broker *pubsub.Broker) {
	ctx := context.Background()

	sub1, err := pubsub.Subscribe[string](ctx, broker, "feed")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub1.Close()
	sub2, err := pubsub.Subscribe[string](ctx, broker, "feed")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub2.Close()

	pubsub.Publish(ctx, broker, "feed", "first")
	if err := broker.Complete(ctx, "feed"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// Nothing published after completion may be delivered
	pubsub.Publish(ctx, broker, "feed", "late")

	for i, sub := range []*pubsub.Subscription[string]{sub1, sub2} {
		if got := readAll(t, sub); !slices.Equal(got, []string{"first"}) {
			t.Errorf("Subscriber %d: expected [first], got %v", i+1, got)
		}
		// The end of a stream is sticky
		if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
			t.Errorf("Subscriber %d: expected io.EOF, got %v", i+1, err)
		}
	}

	eventually(t, "completed topic to leave the registry", func() bool {
		return len(broker.Topics()) == 0
	})
}

func testTypeMismatch(t *testing.T, broker *pubsub.Broker) {
	ctx := context.Background()

	sub, err := pubsub.Subscribe[order](ctx, broker, "orders")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := pubsub.Subscribe[string](ctx, broker, "orders"); !errors.Is(err, pubsub.ErrInvalidMessageType) {
		t.Errorf("Subscribe: expected ErrInvalidMessageType, got %v", err)
	}
	if err := pubsub.Publish(ctx, broker, "orders", "not an order"); !errors.Is(err, pubsub.ErrInvalidMessageType) {
		t.Errorf("Publish: expected ErrInvalidMessageType, got %v", err)
	}
	if _, _, err := pubsub.TryGetTopic[string](broker, "orders"); !errors.Is(err, pubsub.ErrInvalidMessageType) {
		t.Errorf("TryGetTopic: expected ErrInvalidMessageType, got %v", err)
	}
}

func testUnsubscribeClosesTopic(t *testing.T, broker *pubsub.Broker) {
	ctx := context.Background()

	sub1, err := pubsub.Subscribe[int](ctx, broker, "ticks")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub2, err := pubsub.Subscribe[int](ctx, broker, "ticks")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	topic, ok, err := pubsub.TryGetTopic[int](broker, "ticks")
	if !ok || err != nil {
		t.Fatalf("TryGetTopic: expected topic, got ok=%t err=%v", ok, err)
	}

	sub1.Close()
	if topic.State() != pubsub.StateOpen {
		t.Errorf("Expected topic to stay open with one subscriber, got %s", topic.State())
	}

	sub2.Close()
	select {
	case <-topic.Closed():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for topic to close")
	}

	if topic.State() != pubsub.StateClosed {
		t.Errorf("Expected closed topic, got %s", topic.State())
	}
	if topics := broker.Topics(); len(topics) != 0 {
		t.Errorf("Expected empty registry, got %v", topics)
	}

	// A closed subscription reads as ended
	if _, err := sub1.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after Close, got %v", err)
	}
}

func testNextContextCancellation(t *testing.T, broker *pubsub.Broker) {
	sub, err := pubsub.Subscribe[int](context.Background(), broker, "idle")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func testCloseBroker(t *testing.T, broker *pubsub.Broker) {
	ctx := context.Background()

	sub, err := pubsub.Subscribe[string](ctx, broker, "test-topic")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	pubsub.Publish(ctx, broker, "test-topic", "buffered")

	// Give asynchronous transports time to deliver
	eventually(t, "message to be buffered", func() bool { return sub.Buffered() == 1 })

	if err := broker.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Buffered messages survive, then the stream ends
	if got := readAll(t, sub); !slices.Equal(got, []string{"buffered"}) {
		t.Errorf("Expected [buffered], got %v", got)
	}

	// Operations after close should fail
	if err := pubsub.Publish(ctx, broker, "test-topic", "hello"); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if _, err := pubsub.Subscribe[string](ctx, broker, "test-topic"); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if err := broker.Complete(ctx, "test-topic"); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}

	// Double close should not panic
	if err := broker.Close(); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed on double close, got %v", err)
	}
}

// benchmarkPublish measures publishing with varying numbers of subscribers.
func benchmarkPublish(b *testing.B, broker *pubsub.Broker, numSubscribers int) {
	ctx := context.Background()

	for range numSubscribers {
		sub, err := pubsub.Subscribe[[]byte](ctx, broker, "bench-topic", pubsub.WithOverflowPolicy(pubsub.DropOldest))
		if err != nil {
			b.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Close()
	}

	payload := []byte("benchmark message")

	b.ResetTimer()
	for b.Loop() {
		pubsub.Publish(ctx, broker, "bench-topic", payload)
	}
}
