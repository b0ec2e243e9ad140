package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// fakeConsumer hands out queued messages and reports a Close that overlaps
// a Poll.
type fakeConsumer struct {
	mu       sync.Mutex
	queue    []*kafka.Message
	polling  atomic.Bool
	overlap  atomic.Bool
	closed   atomic.Bool
	pollWait time.Duration
}

func (f *fakeConsumer) Poll(timeoutMs int) kafka.Event {
	f.polling.Store(true)
	defer f.polling.Store(false)

	f.mu.Lock()
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m
	}
	f.mu.Unlock()
	time.Sleep(f.pollWait)
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.polling.Load() {
		f.overlap.Store(true)
	}
	f.closed.Store(true)
	return nil
}

func kafkaMessage(t *testing.T, key string, ev *Event) *kafka.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &kafka.Message{Key: []byte(key), Value: data}
}

func TestKafkaSubscriptionFiltersByKey(t *testing.T) {
	other, _ := NewEvent(EventGroupMessage, "meeting_b", GroupMessagePayload{Message: []byte("b")})
	mine, _ := NewEvent(EventGroupMessage, "meeting_a", GroupMessagePayload{Message: []byte("a")})
	fc := &fakeConsumer{
		queue:    []*kafka.Message{kafkaMessage(t, "meeting_b", other), kafkaMessage(t, "meeting_a", mine)},
		pollWait: 5 * time.Millisecond,
	}

	sub, ch := newKafkaSubscription(context.Background(), fc, "meeting_a")
	defer sub.stop()

	if got := receive(t, ch); got.RoomID != "meeting_a" {
		t.Errorf("RoomID = %q, want meeting_a", got.RoomID)
	}
	assertNoEvent(t, ch)
}

func TestKafkaSubscriptionStopWaitsForPoll(t *testing.T) {
	fc := &fakeConsumer{pollWait: 50 * time.Millisecond}
	sub, ch := newKafkaSubscription(context.Background(), fc, "")

	// Let the loop get into a Poll before stopping.
	time.Sleep(20 * time.Millisecond)
	if err := sub.stop(); err != nil {
		t.Fatal(err)
	}

	if fc.overlap.Load() {
		t.Error("consumer closed while Poll was running")
	}
	if !fc.closed.Load() {
		t.Error("consumer not closed")
	}
	if _, ok := <-ch; ok {
		t.Error("event channel still open after stop")
	}
}

func TestKafkaSubscriptionStopAfterContextCancel(t *testing.T) {
	fc := &fakeConsumer{pollWait: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	sub, ch := newKafkaSubscription(ctx, fc, "")

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("loop kept running after cancel")
	}
	if err := sub.stop(); err != nil {
		t.Fatal(err)
	}
	if !fc.closed.Load() {
		t.Error("consumer not closed")
	}
}
