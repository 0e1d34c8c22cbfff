package infrastructure

import (
	"context"
	"testing"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	return p.err
}

func TestMemoryEventJournal(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryEventJournal()

	orderID := models.GenerateUUID()
	created := events.NewEvent(orderID, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: orderID})
	reserved := events.NewEvent(orderID, events.InventoryReservedEvent, events.InventoryReservedData{OrderID: orderID})
	other := models.GenerateUUID()

	require.NoError(t, journal.Append(ctx, DirectionOutbound, created))
	require.NoError(t, journal.Append(ctx, DirectionInbound, reserved))
	require.NoError(t, journal.Append(ctx, DirectionInbound, reserved))
	require.NoError(t, journal.Append(ctx, DirectionOutbound, events.NewEvent(other, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: other})))

	history, err := journal.History(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, history, 2, "redelivered events are journaled once")

	assert.Equal(t, DirectionOutbound, history[0].Direction)
	assert.Equal(t, created.ID, history[0].Event.ID)
	assert.Equal(t, DirectionInbound, history[1].Direction)
	assert.Less(t, history[0].Sequence, history[1].Sequence)

	empty, err := journal.History(ctx, models.GenerateUUID())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestJournalingPublisher(t *testing.T) {
	ctx := context.Background()
	orderID := models.GenerateUUID()
	event := events.NewEvent(orderID, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: orderID})

	t.Run("journals published events", func(t *testing.T) {
		journal := NewMemoryEventJournal()
		bus := connectedBus(t, NewMemoryExchange(0), "orders-service")

		publisher := NewJournalingPublisher(bus, journal, zaptest.NewLogger(t))
		require.NoError(t, publisher.Publish(ctx, event))

		history, err := journal.History(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, DirectionOutbound, history[0].Direction)
	})

	t.Run("failed publishes are not journaled", func(t *testing.T) {
		journal := NewMemoryEventJournal()
		publisher := NewJournalingPublisher(failingPublisher{err: errors.New("broker down")}, journal, zaptest.NewLogger(t))

		assert.EqualError(t, publisher.Publish(ctx, event), "broker down")

		history, err := journal.History(ctx, orderID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}
