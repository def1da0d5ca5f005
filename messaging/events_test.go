package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warrenmq/warren/contracts"
)

func TestEventBus(t *testing.T) {
	t.Run("generic listener receives matching kind only", func(t *testing.T) {
		bus := NewEventBus()
		var got []contracts.Event
		bus.On(contracts.EventConnected, func(e contracts.Event) {
			got = append(got, e)
		})

		bus.Publish(contracts.Event{Kind: contracts.EventConnected, Connection: "default"})
		bus.Publish(contracts.Event{Kind: contracts.EventClosed, Connection: "default"})

		assert.Len(t, got, 1)
		assert.Equal(t, "default", got[0].Connection)
	})

	t.Run("scoped listener filters by connection", func(t *testing.T) {
		bus := NewEventBus()
		var got []contracts.Event
		bus.OnConnection("secondary", contracts.EventConnected, func(e contracts.Event) {
			got = append(got, e)
		})

		bus.Publish(contracts.Event{Kind: contracts.EventConnected, Connection: "default"})
		bus.Publish(contracts.Event{Kind: contracts.EventConnected, Connection: "secondary"})

		assert.Len(t, got, 1)
		assert.Equal(t, "secondary", got[0].Connection)
	})

	t.Run("generic listeners fire before scoped ones", func(t *testing.T) {
		bus := NewEventBus()
		var order []string
		bus.OnConnection("default", contracts.EventConnected, func(e contracts.Event) {
			order = append(order, "scoped")
		})
		bus.On(contracts.EventConnected, func(e contracts.Event) {
			order = append(order, "generic")
		})

		bus.Publish(contracts.Event{Kind: contracts.EventConnected, Connection: "default"})

		assert.Equal(t, []string{"generic", "scoped"}, order)
	})

	t.Run("removed listener no longer fires", func(t *testing.T) {
		bus := NewEventBus()
		var calls int
		l := bus.On(contracts.EventFailed, func(e contracts.Event) {
			calls++
		})

		l.Remove()
		bus.Publish(contracts.Event{Kind: contracts.EventFailed, Connection: "default"})

		assert.Equal(t, 0, calls)
	})

	t.Run("clear drops all listeners", func(t *testing.T) {
		bus := NewEventBus()
		var calls int
		bus.On(contracts.EventConnected, func(e contracts.Event) { calls++ })
		bus.OnConnection("default", contracts.EventConnected, func(e contracts.Event) { calls++ })

		bus.Clear()
		bus.Publish(contracts.Event{Kind: contracts.EventConnected, Connection: "default"})

		assert.Equal(t, 0, calls)
	})
}
