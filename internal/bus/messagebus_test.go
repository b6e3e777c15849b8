package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsume(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(InboundEvent{MessageID: "m1", Text: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := b.ConsumeInbound(ctx)
	if !ok || ev.MessageID != "m1" {
		t.Fatalf("got %+v ok=%v", ev, ok)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("consume returned an event from a cancelled context")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewMessageBus()
	for i := 0; i < inboundBufferSize+10; i++ {
		b.PublishInbound(InboundEvent{MessageID: "m", Text: "x"})
	}
	// Buffer holds exactly its capacity; the rest were dropped, not blocked.
	if got := len(b.inbound); got != inboundBufferSize {
		t.Fatalf("buffered = %d, want %d", got, inboundBufferSize)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewMessageBus()
	var got []string
	b.Subscribe("a", func(ev Event) { got = append(got, "a:"+ev.Name) })
	b.Subscribe("b", func(ev Event) { got = append(got, "b:"+ev.Name) })

	b.Broadcast(Event{Name: "conversation.activated"})
	if len(got) != 2 {
		t.Fatalf("handlers called %d times, want 2", len(got))
	}

	b.Unsubscribe("a")
	got = nil
	b.Broadcast(Event{Name: "conversation.done"})
	if len(got) != 1 || got[0] != "b:conversation.done" {
		t.Fatalf("after unsubscribe got %v", got)
	}
}
