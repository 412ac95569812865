package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskSub := bus.Subscribe(16, "task:")
	agentSub := bus.Subscribe(16, "agent:")
	allSub := bus.Subscribe(16)

	bus.Publish(Event{Type: TypeTaskCreated, EntityID: "t1"})

	select {
	case e := <-taskSub.Events():
		assert.Equal(t, TypeTaskCreated, e.Type)
		assert.Equal(t, "t1", e.EntityID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("task subscriber did not receive event")
	}

	select {
	case e := <-allSub.Events():
		assert.Equal(t, TypeTaskCreated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("catch-all subscriber did not receive event")
	}

	select {
	case e := <-agentSub.Events():
		t.Fatalf("agent subscriber received unexpected event %s", e.Type)
	default:
	}
}

func TestBusMultiplePrefixes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(16, "task:", "escalation")
	bus.Publish(Event{Type: TypeEscalation, EntityID: "e1"})
	bus.Publish(Event{Type: TypeAgentHeartbeat, EntityID: "a1"})
	bus.Publish(Event{Type: TypeTaskUpdated, EntityID: "t1"})

	var got []string
	for len(got) < 2 {
		select {
		case e := <-sub.Events():
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{TypeEscalation, TypeTaskUpdated}, got)
}

func TestBusOverflowDropsOldestAndQueuesMarker(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4, "task:")

	// Publish more than the ring holds while nobody reads.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeTaskUpdated, EntityID: string(rune('a' + i))})
	}

	var types []string
	var ids []string
drain:
	for {
		select {
		case e := <-sub.Events():
			types = append(types, e.Type)
			ids = append(ids, e.EntityID)
		default:
			break drain
		}
	}

	// Ring capacity is 4: we must see exactly 4 queued entries, exactly one
	// of which is the overflow marker, and the newest event must survive.
	require.Len(t, types, 4)
	overflows := 0
	for _, typ := range types {
		if typ == TypeOverflow {
			overflows++
		}
	}
	assert.Equal(t, 1, overflows)
	assert.Equal(t, "j", ids[len(ids)-1], "newest event must not be dropped")
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe(1, "task:") // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(Event{Type: TypeTaskUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscriptionCancel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4, "task:")
	sub.Cancel()
	sub.Cancel() // idempotent

	bus.Publish(Event{Type: TypeTaskCreated})

	_, ok := <-sub.Events()
	assert.False(t, ok, "cancelled subscription channel must be closed")
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	bus.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close must not panic.
	bus.Publish(Event{Type: TypeTaskCreated})
}
