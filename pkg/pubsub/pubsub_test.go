package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelNaming(t *testing.T) {
	if got := SyncChannel("meeting_a"); got != "meeting:room:meeting_a:sync" {
		t.Errorf("SyncChannel = %q", got)
	}
	if got := ControlChannel("meeting_b"); got != "meeting:room:meeting_b:control" {
		t.Errorf("ControlChannel = %q", got)
	}
}

func TestChannelToTopicAndKey(t *testing.T) {
	tests := []struct {
		channel string
		topic   string
		key     string
		wantErr bool
	}{
		{channel: SyncChannel("meeting_a"), topic: TopicGroupSync, key: "meeting_a"},
		{channel: ControlChannel("meeting_b"), topic: TopicGroupControl, key: "meeting_b"},
		{channel: "meeting:lobby:x:sync", wantErr: true},
		{channel: "meeting:room::sync", wantErr: true},
	}
	for _, tt := range tests {
		topic, key, err := channelToTopicAndKey(tt.channel)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.channel)
			}
			continue
		}
		if err != nil || topic != tt.topic || key != tt.key {
			t.Errorf("%s: got (%q, %q, %v)", tt.channel, topic, key, err)
		}
	}

	topic, err := patternToTopic(PatternGroupControl)
	if err != nil || topic != TopicGroupControl {
		t.Errorf("patternToTopic = %q, %v", topic, err)
	}
}

func TestChannelToSubject(t *testing.T) {
	if got := channelToSubject(PatternGroupSync); got != "meeting.room.*.sync" {
		t.Errorf("got %q", got)
	}
}

func TestNewPubSubUnknownDriver(t *testing.T) {
	if _, err := NewPubSub(Config{Driver: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryPubSubPatternDelivery(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncCh, err := ps.SubscribePattern(ctx, PatternGroupSync)
	if err != nil {
		t.Fatal(err)
	}
	ctrlCh, err := ps.SubscribePattern(ctx, PatternGroupControl)
	if err != nil {
		t.Fatal(err)
	}

	ev, _ := NewEvent(EventGroupMessage, "meeting_a", GroupMessagePayload{Message: []byte(`{"type":"x"}`)})
	if err := ps.Publish(ctx, SyncChannel("meeting_a"), ev.WithOrigin("i1")); err != nil {
		t.Fatal(err)
	}

	got := receive(t, syncCh)
	if got.Type != EventGroupMessage || got.RoomID != "meeting_a" || got.Origin != "i1" {
		t.Errorf("unexpected event %+v", got)
	}
	var p GroupMessagePayload
	if err := got.UnmarshalPayload(&p); err != nil || string(p.Message) != `{"type":"x"}` {
		t.Errorf("payload = %+v, %v", p, err)
	}
	assertNoEvent(t, ctrlCh)
}

func TestMemoryPubSubSharedPattern(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := ps.SubscribePattern(ctx, PatternGroupSync)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ps.SubscribePattern(ctx, PatternGroupSync)
	if err != nil {
		t.Fatal(err)
	}

	ev, _ := NewEvent(EventGroupMessage, "meeting_a", GroupMessagePayload{Message: []byte("hi")})
	if err := ps.Publish(ctx, SyncChannel("meeting_a"), ev); err != nil {
		t.Fatal(err)
	}
	receive(t, first)
	receive(t, second)

	if err := ps.Unsubscribe(ctx, PatternGroupSync); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan *Event{first, second} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatal("expected closed channel after Unsubscribe")
			}
		case <-time.After(time.Second):
			t.Fatal("Unsubscribe left a subscription open")
		}
	}
}

func TestMemoryPubSubFullBufferDropsEvent(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow, err := ps.Subscribe(ctx, SyncChannel("meeting_a"))
	if err != nil {
		t.Fatal(err)
	}
	ev, _ := NewEvent(EventGroupMessage, "meeting_a", GroupMessagePayload{Message: []byte("x")})
	for i := 0; i < subscriptionBuffer+10; i++ {
		if err := ps.Publish(ctx, SyncChannel("meeting_a"), ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if got := len(slow); got != subscriptionBuffer {
		t.Errorf("buffered %d events, want %d", got, subscriptionBuffer)
	}
}

func TestGroupMessageKeepsInvalidUTF8(t *testing.T) {
	frame := []byte{'{', 0xff, 0xfe, '}'}
	ev, err := NewEvent(EventGroupMessage, "meeting_a", GroupMessagePayload{Message: frame})
	if err != nil {
		t.Fatal(err)
	}
	var p GroupMessagePayload
	if err := ev.UnmarshalPayload(&p); err != nil {
		t.Fatal(err)
	}
	if string(p.Message) != string(frame) {
		t.Errorf("Message = %q, want %q", p.Message, frame)
	}
}

func TestMemoryPubSubContextCancelClosesChannel(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := ps.Subscribe(ctx, SyncChannel("meeting_a"))
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryPubSubClosed(t *testing.T) {
	ps := NewMemoryPubSub()
	ps.Close()
	ev, _ := NewEvent(EventRoomEmpty, "meeting_a", RoomEmptyPayload{})
	if err := ps.Publish(context.Background(), ControlChannel("meeting_a"), ev); err != ErrClosed {
		t.Fatalf("Publish after Close = %v", err)
	}
}

func TestRedisPubSubRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ps := NewRedisPubSubFromClient(client)
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := ps.SubscribePattern(ctx, PatternGroupControl)
	if err != nil {
		t.Fatalf("SubscribePattern: %v", err)
	}

	ev, _ := NewEvent(EventDriverStarted, "meeting_a", DriverStartedPayload{DriverID: "d1"})
	if err := ps.Publish(ctx, ControlChannel("meeting_a"), ev.WithOrigin("inst-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := receive(t, ch)
	if got.Type != EventDriverStarted || got.Origin != "inst-1" {
		t.Errorf("unexpected event %+v", got)
	}
	var p DriverStartedPayload
	if err := got.UnmarshalPayload(&p); err != nil || p.DriverID != "d1" {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestRedisPubSubCloseKeepsSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ps := NewRedisPubSubFromClient(client)
	if err := ps.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("shared client closed: %v", err)
	}
}
