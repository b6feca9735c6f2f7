package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Emit(KindConnState, "test")

	select {
	case evt := <-ch:
		if evt.Kind != KindConnState {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnState)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("timeline.", 10)
	defer unsub()

	b.Emit(KindConnState, nil)
	b.Emit(KindTimelineUpdated, ConversationRef{ConversationID: "42"})

	select {
	case evt := <-ch:
		if evt.Kind != KindTimelineUpdated {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTimelineUpdated)
		}
		ref, ok := evt.Payload.(ConversationRef)
		if !ok || ref.ConversationID != "42" {
			t.Errorf("payload = %#v, want ConversationRef{42}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()
	unsub()

	b.Emit(KindConnState, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Emit(KindMessageConfirm, nil)
	b.Emit(KindMessageFailed, nil)

	evt := <-ch
	if evt.Kind != KindMessageConfirm {
		t.Errorf("got %q, want %s", evt.Kind, KindMessageConfirm)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(KindConnState, nil)
}
