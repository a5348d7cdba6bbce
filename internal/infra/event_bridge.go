package infra

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/edgecoder/mesh/internal/events"
)

const eventChannel = "mesh:events"

// EventBridge mirrors the local event bus over a Redis channel so every
// process sharing the instance sees the whole node cluster's lifecycle
// events. Delivery stays best-effort on both legs; events from this
// node's own publishes are filtered out on receipt by source ID.
type EventBridge struct {
	adapter *GoRedisAdapter
	bus     *events.Bus
	nodeID  string
}

// NewEventBridge wires a bus to the shared Redis channel.
func NewEventBridge(adapter *GoRedisAdapter, bus *events.Bus, nodeID string) *EventBridge {
	return &EventBridge{adapter: adapter, bus: bus, nodeID: nodeID}
}

// Run pumps events both ways until ctx is cancelled. Outbound uses a
// catch-all subscription on the local bus; inbound republishes remote
// events locally so websocket clients see them.
func (b *EventBridge) Run(ctx context.Context) {
	local := b.bus.Subscribe()
	defer b.bus.Unsubscribe(local)

	sub := b.adapter.rdb.Subscribe(ctx, eventChannel)
	defer sub.Close()
	remote := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-local:
			if !ok {
				return
			}
			if ev.Source != b.nodeID {
				continue // re-published remote event, do not echo
			}
			blob, err := ev.JSON()
			if err != nil {
				continue
			}
			if err := b.adapter.rdb.Publish(ctx, eventChannel, blob).Err(); err != nil {
				slog.Debug("event bridge publish failed", "error", err)
			}

		case msg, ok := <-remote:
			if !ok {
				return
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.Source == b.nodeID {
				continue
			}
			b.bus.Publish(&ev)
		}
	}
}
