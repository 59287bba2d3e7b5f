package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAllReceivesInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var received []Type

	done := make(chan struct{})
	unsub := b.SubscribeAll(func(e Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		if e.Type == Complete {
			close(done)
		}
	})
	defer unsub()

	b.Publish(Event{Type: Thinking, SessionID: "s1"})
	b.Publish(Event{Type: StreamDelta, SessionID: "s1"})
	b.Publish(Event{Type: Complete, SessionID: "s1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for complete event")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Type{Thinking, StreamDelta, Complete}, received)
}

func TestSubscribeScopesToSession(t *testing.T) {
	b := New()
	defer b.Close()

	gotOther := make(chan Event, 4)
	unsub := b.Subscribe("s2", func(e Event) { gotOther <- e })
	defer unsub()

	b.Publish(Event{Type: Thinking, SessionID: "s1"})
	b.Publish(Event{Type: Complete, SessionID: "s2"})

	select {
	case e := <-gotOther:
		assert.Equal(t, "s2", e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("did not receive scoped event")
	}

	select {
	case e := <-gotOther:
		t.Fatalf("received unexpected event for wrong session: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingSubscriberDoesNotEscape(t *testing.T) {
	b := New()
	defer b.Close()

	done := make(chan struct{})
	b.SubscribeAll(func(e Event) {
		if e.Type == Thinking {
			panic("boom")
		}
		if e.Type == Complete {
			close(done)
		}
	})

	assert.NotPanics(t, func() {
		b.Publish(Event{Type: Thinking, SessionID: "s1"})
		b.Publish(Event{Type: Complete, SessionID: "s1"})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus stopped delivering after subscriber panic")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	events := make(chan Event, 4)
	unsub := b.SubscribeAll(func(e Event) { events <- e })
	unsub()

	b.Publish(Event{Type: Thinking, SessionID: "s1"})

	select {
	case e := <-events:
		t.Fatalf("received event after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
