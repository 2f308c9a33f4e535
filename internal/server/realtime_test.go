package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/kiosk"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, RealtimeChannelKiosk)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		Channel:   RealtimeChannelKiosk,
		EventType: kiosk.EventDataChanged,
		Payload:   kiosk.Event{Type: kiosk.EventDataChanged, Operation: "catalog.brands.add"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != kiosk.EventDataChanged {
			t.Fatalf("expected event type %s, got %s", kiosk.EventDataChanged, received.EventType)
		}
		event, ok := received.Payload.(kiosk.Event)
		if !ok || event.Operation != "catalog.brands.add" {
			t.Fatalf("unexpected payload %#v", received.Payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByChannel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kioskStream, cleanup := dispatcher.Subscribe(ctx, RealtimeChannelKiosk)
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "diagnostics")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		Channel:   "diagnostics",
		EventType: realtimeEventHeartbeat,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-kioskStream:
		t.Fatal("did not expect realtime message on unrelated channel")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.Channel != "diagnostics" {
			t.Fatalf("expected diagnostics channel, received %s", msg.Channel)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed channel")
	}
}

func TestRealtimeDispatcherDropsMessagesForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, RealtimeChannelKiosk)
	defer cleanup()

	for index := 0; index < realtimeBufferSize*2; index++ {
		dispatcher.Publish(RealtimeMessage{Channel: RealtimeChannelKiosk, EventType: kiosk.EventSyncStatus})
	}
	if len(stream) != realtimeBufferSize {
		t.Fatalf("expected %d buffered messages, got %d", realtimeBufferSize, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesWhenContextEnds(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, RealtimeChannelKiosk)
	defer cleanup()
	if dispatcher.Subscribers(RealtimeChannelKiosk) != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers(RealtimeChannelKiosk) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}

	closed, _ := dispatcher.Subscribe(context.Background(), "")
	if _, ok := <-closed; ok {
		t.Fatal("expected closed stream for empty channel")
	}
}
