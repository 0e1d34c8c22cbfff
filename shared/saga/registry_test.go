package saga

import (
	"testing"
	"time"

	"github.com/draftea/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	orderID := models.GenerateUUID()

	require.NoError(t, registry.Register(NewInstance(orderID)))
	assert.ErrorIs(t, registry.Register(NewInstance(orderID)), ErrSagaAlreadyRunning)
	assert.Equal(t, 1, registry.Len())

	instance, ok := registry.Get(orderID)
	require.True(t, ok)
	assert.Equal(t, orderID, instance.OrderID())

	_, ok = registry.Get(models.GenerateUUID())
	assert.False(t, ok)
}

func TestRegistry_Release(t *testing.T) {
	tests := []struct {
		name    string
		finish  func(*Instance)
		evicted bool
	}{
		{
			name: "completed saga is evicted",
			finish: func(i *Instance) {
				_, _ = i.CompleteStep(StepInventoryReserved, StateInventoryReserved)
				_, _ = i.CompleteStep(StepPaymentCompleted, StatePaymentCompleted)
				_ = i.Transition(StateCompleted)
			},
			evicted: true,
		},
		{
			name: "compensated saga is evicted",
			finish: func(i *Instance) {
				_ = i.Fail("payment failed")
				_ = i.Transition(StateCompensating)
				_ = i.Transition(StateCompensated)
			},
			evicted: true,
		},
		{
			name: "failed saga is retained",
			finish: func(i *Instance) {
				_ = i.Fail("payment failed")
				_ = i.Transition(StateCompensating)
				_ = i.Fail("release failed")
			},
			evicted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			instance := NewInstance(models.GenerateUUID())
			require.NoError(t, registry.Register(instance))

			tt.finish(instance)
			instance.Finish()

			assert.Equal(t, tt.evicted, registry.Release(instance))
			_, ok := registry.Get(instance.OrderID())
			assert.Equal(t, !tt.evicted, ok)
		})
	}
}

func TestRegistry_SnapshotsOldestFirst(t *testing.T) {
	registry := NewRegistry()

	first := NewInstance(models.GenerateUUID())
	time.Sleep(time.Millisecond)
	second := NewInstance(models.GenerateUUID())

	require.NoError(t, registry.Register(second))
	require.NoError(t, registry.Register(first))

	snapshots := registry.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, first.OrderID(), snapshots[0].OrderID)
	assert.Equal(t, second.OrderID(), snapshots[1].OrderID)
}
