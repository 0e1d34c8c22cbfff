package infrastructure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
	seen   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) Handle(ctx context.Context, event *events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []*events.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

func connectedBus(t *testing.T, exchange *MemoryExchange, service string) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(exchange, service, zaptest.NewLogger(t))
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestMemoryBus_RoutesByTopic(t *testing.T) {
	ctx := context.Background()
	exchange := NewMemoryExchange(0)

	orders := connectedBus(t, exchange, "orders-service")
	inventory := connectedBus(t, exchange, "inventory-service")
	audit := connectedBus(t, exchange, "audit")

	reserve := newRecorder()
	require.NoError(t, inventory.Subscribe(ctx, events.InventoryReserveRequestedEvent, reserve))

	all := newRecorder()
	require.NoError(t, audit.Subscribe(ctx, "#", all))

	orderID := models.GenerateUUID()
	require.NoError(t, orders.Publish(ctx,
		events.NewEvent(orderID, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: orderID}),
		events.NewEvent(orderID, events.InventoryReserveRequestedEvent, events.InventoryReserveRequestedData{OrderID: orderID}),
	))

	got := reserve.wait(t, 1)
	assert.Equal(t, events.InventoryReserveRequestedEvent, got[0].EventType)
	assert.Equal(t, orderID, got[0].CorrelationID)

	seen := all.wait(t, 2)
	assert.Len(t, seen, 2)
}

func TestMemoryBus_ContinuesAfterHandlerFailure(t *testing.T) {
	ctx := context.Background()
	exchange := NewMemoryExchange(0)
	bus := connectedBus(t, exchange, "payments-service")

	rec := newRecorder()
	calls := 0
	handler := events.EventHandlerFunc(func(ctx context.Context, event *events.Event) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return rec.Handle(ctx, event)
	})
	require.NoError(t, bus.Subscribe(ctx, events.PaymentRequestedEvent, handler))

	for i := 0; i < 2; i++ {
		orderID := models.GenerateUUID()
		require.NoError(t, bus.Publish(ctx, events.NewEvent(orderID, events.PaymentRequestedEvent, events.PaymentRequestedData{OrderID: orderID})))
	}

	assert.Len(t, rec.wait(t, 1), 1)
}

func TestMemoryBus_Lifecycle(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(NewMemoryExchange(1), "orders-service", zaptest.NewLogger(t))

	orderID := models.GenerateUUID()
	event := events.NewEvent(orderID, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: orderID})

	assert.ErrorIs(t, bus.Publish(ctx, event), ErrNotConnected)
	assert.ErrorIs(t, bus.Subscribe(ctx, events.OrderCreatedEvent, newRecorder()), ErrNotConnected)

	require.NoError(t, bus.Connect(ctx))
	require.NoError(t, bus.Publish(ctx, event), "publishing with no bound queue is a no-op")

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(ctx, event), ErrBusClosed)
	assert.ErrorIs(t, bus.Connect(ctx), ErrBusClosed)
}

func TestMemoryBus_PublishHonoursContext(t *testing.T) {
	exchange := NewMemoryExchange(1)
	publisher := connectedBus(t, exchange, "orders-service")
	consumer := connectedBus(t, exchange, "inventory-service")

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, consumer.Subscribe(context.Background(), events.OrderCreatedEvent,
		events.EventHandlerFunc(func(ctx context.Context, event *events.Event) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		})))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		orderID := models.GenerateUUID()
		err = publisher.Publish(ctx, events.NewEvent(orderID, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: orderID}))
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPatternTranslation(t *testing.T) {
	t.Run("nats subjects", func(t *testing.T) {
		subject, err := natsSubject("orders", "payment.#")
		require.NoError(t, err)
		assert.Equal(t, "orders.payment.>", subject)

		subject, err = natsSubject("orders", "*.reserved")
		require.NoError(t, err)
		assert.Equal(t, "orders.*.reserved", subject)

		_, err = natsSubject("orders", "#.requested")
		assert.ErrorIs(t, err, ErrUnsupportedPattern)
	})

	t.Run("sns filter policies", func(t *testing.T) {
		assert.JSONEq(t, `{"`+EventTypeAttribute+`":["order.created"]}`, filterPolicy("order.created"))
		assert.JSONEq(t, `{"`+EventTypeAttribute+`":[{"prefix":"payment."}]}`, filterPolicy("payment.#"))
		assert.Empty(t, filterPolicy("*.requested"))
	})

	t.Run("kafka rejects wildcards", func(t *testing.T) {
		bus := NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}, Service: "audit"}, zaptest.NewLogger(t))
		assert.ErrorIs(t, bus.Subscribe(context.Background(), "#", newRecorder()), ErrUnsupportedPattern)
	})

	t.Run("queue names", func(t *testing.T) {
		assert.Equal(t, "inventory-service.inventory.reserve.requested", QueueName("inventory-service", events.InventoryReserveRequestedEvent))
		assert.Equal(t, "audit_all", sanitizeName(QueueName("audit", "#")))
	})
}

func TestSplitToChunks(t *testing.T) {
	chunks := splitToChunks([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks)
	assert.Nil(t, splitToChunks([]int{}, 10))
}
