package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/order-system/shared/infrastructure"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

type GetSagaEventsQuery struct {
	OrderID string `json:"order_id"`
}

type SagaEventResponse struct {
	Sequence  int             `json:"sequence"`
	Direction string          `json:"direction"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// GetSagaEvents lists the events an order's saga sent and accepted
type GetSagaEvents struct {
	journal infrastructure.EventJournal
}

func NewGetSagaEvents(journal infrastructure.EventJournal) *GetSagaEvents {
	return &GetSagaEvents{journal: journal}
}

func (uc *GetSagaEvents) Execute(ctx context.Context, query *GetSagaEventsQuery) ([]SagaEventResponse, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	entries, err := uc.journal.History(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load saga events")
	}

	responses := make([]SagaEventResponse, 0, len(entries))
	for _, entry := range entries {
		data, err := entry.Event.MarshalPayload()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode event %s", entry.Event.ID)
		}
		responses = append(responses, SagaEventResponse{
			Sequence:  entry.Sequence,
			Direction: entry.Direction,
			EventID:   entry.Event.ID.String(),
			EventType: entry.Event.EventType,
			Data:      data,
			Timestamp: entry.Event.Timestamp.Format(time.RFC3339Nano),
		})
	}
	return responses, nil
}
