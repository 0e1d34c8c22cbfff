package events

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrInvalidTopic        = errors.New("invalid topic")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidReceiver     = errors.New("receiver should be a pointer")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrCorrelationMismatch = errors.New("payload order id does not match correlation id")
)

// Topic is a dotted routing key. Patterns use '*' for exactly one word and
// '#' for zero or more words, like an AMQP topic exchange.
type Topic string

func NewTopic(topic string) (Topic, error) {
	if topic == "" {
		return "", ErrInvalidTopic
	}
	return Topic(topic), nil
}

// Matches reports whether the topic is routed by the binding pattern
func (t Topic) Matches(pattern Topic) bool {
	return matchWords(strings.Split(pattern.String(), "."), strings.Split(t.String(), "."))
}

func (t Topic) String() string {
	return string(t)
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}

// Metadata carries transport headers alongside an event
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Clone() Metadata {
	clone := Metadata{}
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Event is the envelope exchanged between services
type Event struct {
	ID            models.ID   `json:"id"`
	AggregateID   models.ID   `json:"aggregate_id"`
	Topic         Topic       `json:"topic"`
	EventType     string      `json:"event_type"`
	Version       string      `json:"version"`
	Data          interface{} `json:"data"`
	Metadata      Metadata    `json:"metadata,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID models.ID   `json:"correlation_id"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber binds a handler to an event type
type Subscriber interface {
	Subscribe(ctx context.Context, eventType string, handler EventHandler) error
}

// EventHandler handles domain events. A nil error acknowledges the delivery,
// any error drops it without redelivery.
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Bus is the client side of the shared topic exchange
type Bus interface {
	Publisher
	Subscriber
	Connect(ctx context.Context) error
	Close() error
}

// NewEvent creates a new domain event correlated to its aggregate
func NewEvent(aggregateID models.ID, eventType string, data interface{}) *Event {
	topic, _ := NewTopic(eventType)
	return &Event{
		ID:            models.GenerateUUID(),
		AggregateID:   aggregateID,
		Topic:         topic,
		EventType:     eventType,
		Version:       "1.0",
		Data:          data,
		Metadata:      make(Metadata),
		Timestamp:     time.Now().UTC(),
		CorrelationID: aggregateID,
	}
}

// WithCorrelationID sets correlation ID
func (e *Event) WithCorrelationID(correlationID models.ID) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata adds metadata
func (e *Event) WithMetadata(key string, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata[key] = value
	return e
}

// ToJSON converts event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON decodes an envelope received from a transport
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if event.ID == "" || event.EventType == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "missing id or event type")
	}
	if event.Topic == "" {
		event.Topic = Topic(event.EventType)
	}
	if event.Metadata == nil {
		event.Metadata = make(Metadata)
	}
	return &event, nil
}

// MarshalPayload marshals the event payload
func (e *Event) MarshalPayload() (json.RawMessage, error) {
	if b, ok := e.Data.([]byte); ok {
		return b, nil
	}

	if b, ok := e.Data.(json.RawMessage); ok {
		return b, nil
	}

	return json.Marshal(e.Data)
}

// UnmarshalPayload unmarshals the event payload into the given pointer
func (e *Event) UnmarshalPayload(v interface{}) error {
	vValue := reflect.ValueOf(v)
	if vValue.Kind() != reflect.Ptr || vValue.IsNil() {
		return ErrInvalidReceiver
	}

	if e.Data == nil {
		return ErrInvalidPayload
	}

	vValue = vValue.Elem()
	payloadValue := reflect.ValueOf(e.Data)
	if vValue.Type() == payloadValue.Type() {
		vValue.Set(payloadValue)
		return nil
	}

	raw, err := e.MarshalPayload()
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return nil
}

// Validate checks that the payload order id equals the correlation id
func (e *Event) Validate() error {
	if e.CorrelationID == "" {
		return errors.Wrap(ErrMalformedEvent, "missing correlation id")
	}

	var ref orderRef
	if err := e.UnmarshalPayload(&ref); err != nil {
		return err
	}

	if ref.OrderID != e.CorrelationID {
		return errors.Wrapf(ErrCorrelationMismatch, "order_id=%s correlation_id=%s", ref.OrderID, e.CorrelationID)
	}
	return nil
}

// Clone creates a copy of the event
func (e *Event) Clone() *Event {
	return &Event{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		Topic:         e.Topic,
		EventType:     e.EventType,
		Version:       e.Version,
		Data:          e.Data,
		Metadata:      e.Metadata.Clone(),
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
	}
}

// Event Types Constants
const (
	// Order Events
	OrderCreatedEvent   = "order.created"
	OrderConfirmedEvent = "order.confirmed"
	OrderCancelledEvent = "order.cancelled"

	// Inventory Events
	InventoryReserveRequestedEvent = "inventory.reserve.requested"
	InventoryReservedEvent         = "inventory.reserved"
	InventoryReleaseRequestedEvent = "inventory.release.requested"
	InventoryReleasedEvent         = "inventory.released"

	// Payment Events
	PaymentRequestedEvent       = "payment.requested"
	PaymentCompletedEvent       = "payment.completed"
	PaymentFailedEvent          = "payment.failed"
	PaymentRefundRequestedEvent = "payment.refund.requested"
	PaymentRefundedEvent        = "payment.refunded"
)
