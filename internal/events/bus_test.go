package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversByType(t *testing.T) {
	bus := NewBus("node-1")
	settled := bus.Subscribe(TypeTaskSettled)
	all := bus.Subscribe()
	defer bus.Unsubscribe(settled)
	defer bus.Unsubscribe(all)

	bus.Emit(TypeTaskSubmitted, "task-1", map[string]any{"priority": 5})
	bus.Emit(TypeTaskSettled, "task-1", map[string]any{"status": "completed"})

	select {
	case ev := <-settled:
		assert.Equal(t, TypeTaskSettled, ev.Type)
		assert.Equal(t, "task-1", ev.Subject)
		assert.Equal(t, "node-1", ev.Source)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber never received event")
	}

	// The catch-all subscriber sees both.
	require.Len(t, drain(all), 2)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus("node-1")
	bus.buffer = 1
	ch := bus.Subscribe(TypeTaskSubmitted)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeTaskSubmitted, "a", nil)
	bus.Emit(TypeTaskSubmitted, "b", nil)

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Subject)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus("node-1")
	ch := bus.Subscribe(TypePeerJoined)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormat(t *testing.T) {
	bus := NewBus("node-1")
	ch := bus.Subscribe()
	bus.Emit(TypeModelSwapped, "qwen2.5-coder:1.5b", nil)
	ev := <-ch
	bus.Unsubscribe(ch)

	out, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: "+TypeModelSwapped)
	assert.Contains(t, string(out), "id: "+ev.ID)
}

func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
