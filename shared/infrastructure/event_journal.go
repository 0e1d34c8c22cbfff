package infrastructure

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Journal direction values
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// JournalEntry is one event seen by a saga, in either direction
type JournalEntry struct {
	Direction string        `json:"direction"`
	Event     *events.Event `json:"event"`
	Sequence  int           `json:"sequence"`
}

// EventJournal records the events exchanged for a correlation id
type EventJournal interface {
	Append(ctx context.Context, direction string, evts ...*events.Event) error
	History(ctx context.Context, correlationID models.ID) ([]JournalEntry, error)
}

var (
	_ EventJournal = (*PostgresEventJournal)(nil)
	_ EventJournal = (*MemoryEventJournal)(nil)
)

// PostgresEventJournal appends events to the saga_events table
type PostgresEventJournal struct {
	db *sqlx.DB
}

func NewPostgresEventJournal(db *sqlx.DB) *PostgresEventJournal {
	return &PostgresEventJournal{db: db}
}

type postgresEvent struct {
	Sequence      int       `db:"sequence"`
	ID            string    `db:"id"`
	AggregateID   string    `db:"aggregate_id"`
	CorrelationID string    `db:"correlation_id"`
	EventType     string    `db:"event_type"`
	Direction     string    `db:"direction"`
	Version       string    `db:"version"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	Timestamp     time.Time `db:"timestamp"`
}

// Append stores events in one transaction. Re-appending an event id in the
// same direction is ignored.
func (j *PostgresEventJournal) Append(ctx context.Context, direction string, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO saga_events (
			id, aggregate_id, correlation_id, event_type, direction,
			version, data, metadata, timestamp
		) VALUES (
			:id, :aggregate_id, :correlation_id, :event_type, :direction,
			:version, :data, :metadata, :timestamp
		)
		ON CONFLICT (id, direction) DO NOTHING`

	for _, event := range evts {
		pgEvent, err := toPostgresEvent(event, direction)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, query, pgEvent); err != nil {
			return errors.Wrap(err, "failed to insert event")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit events")
	}
	return nil
}

// History returns the events of a correlation id in insertion order
func (j *PostgresEventJournal) History(ctx context.Context, correlationID models.ID) ([]JournalEntry, error) {
	query := `
		SELECT sequence, id, aggregate_id, correlation_id, event_type, direction,
			   version, data, metadata, timestamp
		FROM saga_events
		WHERE correlation_id = $1
		ORDER BY sequence ASC`

	var rows []postgresEvent
	if err := j.db.SelectContext(ctx, &rows, query, correlationID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	}

	entries := make([]JournalEntry, len(rows))
	for i := range rows {
		event, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		entries[i] = JournalEntry{
			Direction: rows[i].Direction,
			Event:     event,
			Sequence:  rows[i].Sequence,
		}
	}
	return entries, nil
}

func toPostgresEvent(event *events.Event, direction string) (*postgresEvent, error) {
	data, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event data")
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	return &postgresEvent{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		CorrelationID: event.CorrelationID.String(),
		EventType:     event.EventType,
		Direction:     direction,
		Version:       event.Version,
		Data:          data,
		Metadata:      metadata,
		Timestamp:     event.Timestamp,
	}, nil
}

func (p *postgresEvent) toDomain() (*events.Event, error) {
	var metadata events.Metadata
	if len(p.Metadata) > 0 {
		if err := json.Unmarshal(p.Metadata, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event metadata")
		}
	}

	return &events.Event{
		ID:            models.ID(p.ID),
		AggregateID:   models.ID(p.AggregateID),
		Topic:         events.Topic(p.EventType),
		EventType:     p.EventType,
		Version:       p.Version,
		Data:          json.RawMessage(p.Data),
		Metadata:      metadata,
		Timestamp:     p.Timestamp,
		CorrelationID: models.ID(p.CorrelationID),
	}, nil
}

// MemoryEventJournal keeps the journal in process
type MemoryEventJournal struct {
	mu      sync.RWMutex
	entries map[models.ID][]JournalEntry
	seen    map[string]struct{}
	seq     int
}

func NewMemoryEventJournal() *MemoryEventJournal {
	return &MemoryEventJournal{
		entries: make(map[models.ID][]JournalEntry),
		seen:    make(map[string]struct{}),
	}
}

func (j *MemoryEventJournal) Append(ctx context.Context, direction string, evts ...*events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, event := range evts {
		key := event.ID.String() + "/" + direction
		if _, dup := j.seen[key]; dup {
			continue
		}
		j.seen[key] = struct{}{}
		j.seq++
		j.entries[event.CorrelationID] = append(j.entries[event.CorrelationID], JournalEntry{
			Direction: direction,
			Event:     event.Clone(),
			Sequence:  j.seq,
		})
	}
	return nil
}

func (j *MemoryEventJournal) History(ctx context.Context, correlationID models.ID) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := append([]JournalEntry(nil), j.entries[correlationID]...)
	sort.Slice(entries, func(a, b int) bool { return entries[a].Sequence < entries[b].Sequence })
	return entries, nil
}

// JournalingPublisher records every successfully published event. A journal
// failure is logged and does not fail the publish.
type JournalingPublisher struct {
	next    events.Publisher
	journal EventJournal
	logger  *zap.Logger
}

func NewJournalingPublisher(next events.Publisher, journal EventJournal, logger *zap.Logger) *JournalingPublisher {
	return &JournalingPublisher{next: next, journal: journal, logger: logger}
}

func (p *JournalingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if err := p.next.Publish(ctx, evts...); err != nil {
		return err
	}
	if err := p.journal.Append(ctx, DirectionOutbound, evts...); err != nil {
		p.logger.Warn("event published but not journaled", zap.Error(err))
	}
	return nil
}
