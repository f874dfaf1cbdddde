package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeNodeReadiness:           "node.readiness",
		TypeConnectionStatusChanged: "connection.status_changed",
		TypeTransferProgress:        "transfer.progress",
	}
	for typ, want := range cases {
		assert.Equal(t, want, typ.String())
	}
}

func TestBusGenerationIsPerNodeAndMonotonic(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	bus.EmitReadiness("node-a", "connecting")
	bus.EmitReadiness("node-a", "active")
	bus.EmitReadiness("node-b", "connecting")

	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Generation())
	assert.Equal(t, uint64(2), got[1].Generation())
	// node-b's counter is independent of node-a's.
	assert.Equal(t, uint64(1), got[2].Generation())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	unsub := bus.Subscribe(func(e Event) { count++ })
	bus.EmitReadiness("node-a", "active")
	unsub()
	bus.EmitReadiness("node-a", "active")
	assert.Equal(t, 1, count)
}

func TestConnectionStatusChangedPayloadShape(t *testing.T) {
	bus := NewBus()
	var evt ConnectionStatusChanged
	bus.Subscribe(func(e Event) {
		if cs, ok := e.(ConnectionStatusChanged); ok {
			evt = cs
		}
	})
	bus.EmitConnectionStatusChanged("node-a", "conn-1", "link-down", []string{"node-b", "node-c"})
	assert.Equal(t, "conn-1", evt.ConnectionID)
	assert.Equal(t, "link-down", evt.Status)
	assert.Equal(t, []string{"node-b", "node-c"}, evt.AffectedChildren)
}
