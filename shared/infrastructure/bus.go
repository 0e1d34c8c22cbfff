package infrastructure

import (
	"context"
	"strings"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("bus is not connected")
	ErrBusClosed    = errors.New("bus is closed")
)

type outcome string

const (
	outcomeAcked     outcome = "acked"
	outcomeRejected  outcome = "rejected"
	outcomeMalformed outcome = "malformed"
	outcomeFiltered  outcome = "filtered"
)

func (o outcome) acked() bool {
	return o == outcomeAcked || o == outcomeFiltered
}

// QueueName is the durable queue owned by service for eventType
func QueueName(service, eventType string) string {
	return service + "." + eventType
}

// sanitizeName maps a queue name onto the [A-Za-z0-9_-] alphabet accepted by
// SQS queue names and JetStream durable names.
func sanitizeName(name string) string {
	return strings.NewReplacer(".", "_", "*", "any", "#", "all", ">", "all").Replace(name)
}

func hasWildcard(eventType string) bool {
	return strings.ContainsAny(eventType, "*#")
}

// dispatch decodes a delivery and runs the handler. Handler errors and
// malformed envelopes are logged; the returned outcome tells the backend
// whether to acknowledge or reject the delivery.
func dispatch(
	ctx context.Context,
	logger *zap.Logger,
	backend string,
	queue string,
	pattern events.Topic,
	body []byte,
	handler events.EventHandler,
) outcome {
	result := consume(ctx, logger, queue, pattern, body, handler)

	telemetry.RecordCounter(ctx, "bus_events_consumed_total", "Events delivered to handlers", 1,
		attribute.String("backend", backend),
		attribute.String("queue", queue),
		attribute.String("outcome", string(result)),
	)
	return result
}

func consume(
	ctx context.Context,
	logger *zap.Logger,
	queue string,
	pattern events.Topic,
	body []byte,
	handler events.EventHandler,
) (result outcome) {
	event, err := events.FromJSON(body)
	if err != nil {
		logger.Warn("dropping malformed event",
			zap.String("queue", queue),
			zap.Error(err),
		)
		return outcomeMalformed
	}

	if !event.Topic.Matches(pattern) {
		return outcomeFiltered
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				zap.String("queue", queue),
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.EventType),
				zap.Any("panic", r),
			)
			result = outcomeRejected
		}
	}()

	if err := handler.Handle(ctx, event); err != nil {
		logger.Error("event handler failed, dropping delivery",
			zap.String("queue", queue),
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.String("correlation_id", event.CorrelationID.String()),
			zap.Error(err),
		)
		return outcomeRejected
	}

	return outcomeAcked
}

func recordPublished(ctx context.Context, backend string, event *events.Event) {
	telemetry.RecordCounter(ctx, "bus_events_published_total", "Events published to the bus", 1,
		attribute.String("backend", backend),
		attribute.String("event_type", event.EventType),
	)
}
