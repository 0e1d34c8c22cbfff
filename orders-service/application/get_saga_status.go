package application

import (
	"context"
	"time"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/draftea/order-system/shared/saga"
	"github.com/pkg/errors"
)

// StateCompletedOrNotFound is reported once a saga is no longer tracked
const StateCompletedOrNotFound = "completed_or_not_found"

// SagaTracker exposes the live sagas of the orchestrator
type SagaTracker interface {
	Status(orderID models.ID) (saga.Snapshot, bool)
	Snapshots() []saga.Snapshot
}

type GetSagaStatusQuery struct {
	OrderID string `json:"order_id"`
}

type SagaStatusResponse struct {
	OrderID        string   `json:"order_id"`
	Tracked        bool     `json:"tracked"`
	State          string   `json:"state"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
	PendingStep    string   `json:"pending_step,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	StartedAt      string   `json:"started_at,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
	OrderStatus    string   `json:"order_status,omitempty"`
	PaymentStatus  string   `json:"payment_status,omitempty"`
}

// GetSagaStatus reports the live saga state of an order, falling back to the
// order record once the saga has been evicted.
type GetSagaStatus struct {
	tracker         SagaTracker
	orderRepository domain.OrderRepository
}

func NewGetSagaStatus(tracker SagaTracker, orderRepository domain.OrderRepository) *GetSagaStatus {
	return &GetSagaStatus{
		tracker:         tracker,
		orderRepository: orderRepository,
	}
}

func (uc *GetSagaStatus) Execute(ctx context.Context, query *GetSagaStatusQuery) (*SagaStatusResponse, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	response := &SagaStatusResponse{
		OrderID: orderID.String(),
		State:   StateCompletedOrNotFound,
	}

	if snapshot, ok := uc.tracker.Status(orderID); ok {
		fillSnapshot(response, snapshot)
	}

	// stale reads are fine, the saga owns the row
	order, err := uc.orderRepository.FindByID(ctx, orderID)
	switch {
	case err == nil:
		response.OrderStatus = string(order.Status)
		response.PaymentStatus = string(order.PaymentStatus)
	case !errors.Is(err, domain.ErrOrderNotFound):
		return nil, errors.Wrap(err, "failed to find order")
	}

	return response, nil
}

// ListSagas returns every saga still tracked in memory
type ListSagas struct {
	tracker SagaTracker
}

func NewListSagas(tracker SagaTracker) *ListSagas {
	return &ListSagas{tracker: tracker}
}

func (uc *ListSagas) Execute(ctx context.Context) []SagaStatusResponse {
	snapshots := uc.tracker.Snapshots()
	responses := make([]SagaStatusResponse, len(snapshots))
	for i, snapshot := range snapshots {
		fillSnapshot(&responses[i], snapshot)
	}
	return responses
}

func fillSnapshot(response *SagaStatusResponse, snapshot saga.Snapshot) {
	steps := make([]string, len(snapshot.CompletedSteps))
	for i, step := range snapshot.CompletedSteps {
		steps[i] = string(step)
	}

	response.OrderID = snapshot.OrderID.String()
	response.Tracked = true
	response.State = string(snapshot.State)
	response.CompletedSteps = steps
	response.PendingStep = string(snapshot.PendingStep)
	response.FailureReason = snapshot.FailureReason
	response.StartedAt = snapshot.StartedAt.Format(time.RFC3339)
	response.UpdatedAt = snapshot.UpdatedAt.Format(time.RFC3339)
}
