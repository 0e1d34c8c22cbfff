package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/order-system/shared/events"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const kafkaBackend = "kafka"

var _ events.Bus = (*KafkaBus)(nil)

// KafkaConfig configures the Kafka bus
type KafkaConfig struct {
	Brokers        []string
	Service        string
	ReconnectDelay time.Duration
}

// KafkaBus writes each event type to its own topic keyed by correlation id,
// so events of one saga stay on one partition. Each subscription is a
// consumer group named after its queue.
type KafkaBus struct {
	config KafkaConfig
	logger *zap.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	readers []*kafka.Reader
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewKafkaBus(config KafkaConfig, logger *zap.Logger) *KafkaBus {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		config: config,
		logger: logger.With(zap.String("backend", kafkaBackend)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect prepares the writer. kafka-go dials lazily, so broker errors surface
// on the first publish.
func (b *KafkaBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.writer != nil {
		return nil
	}
	if len(b.config.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return nil
}

func (b *KafkaBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.Lock()
	writer, closed := b.writer, b.closed
	b.mu.Unlock()

	if closed {
		return ErrBusClosed
	}
	if writer == nil {
		return ErrNotConnected
	}

	msgs := make([]kafka.Message, 0, len(evts))
	for _, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %s", event.EventType)
		}
		msgs = append(msgs, kafka.Message{
			Topic: event.Topic.String(),
			Key:   []byte(event.CorrelationID.String()),
			Value: body,
			Headers: []kafka.Header{
				{Key: EventTypeAttribute, Value: []byte(event.EventType)},
			},
		})
	}

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "failed to write messages to kafka")
	}

	for _, event := range evts {
		recordPublished(ctx, kafkaBackend, event)
	}
	return nil
}

// Subscribe starts a consumer group reader on the eventType topic. Offsets are
// committed after every delivery, including failed ones.
func (b *KafkaBus) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	pattern, err := events.NewTopic(eventType)
	if err != nil {
		return err
	}
	if hasWildcard(eventType) {
		return errors.Wrapf(ErrUnsupportedPattern, "%s on kafka", eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.writer == nil {
		return ErrNotConnected
	}

	queue := QueueName(b.config.Service, eventType)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		GroupID:     sanitizeName(queue),
		Topic:       eventType,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	b.readers = append(b.readers, reader)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(reader, queue, pattern, handler)
	}()
	return nil
}

func (b *KafkaBus) consume(reader *kafka.Reader, queue string, pattern events.Topic, handler events.EventHandler) {
	for {
		msg, err := reader.FetchMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn("failed to fetch kafka message", zap.String("queue", queue), zap.Error(err))
			sleep(b.ctx, b.config.ReconnectDelay)
			continue
		}

		dispatch(b.ctx, b.logger, kafkaBackend, queue, pattern, msg.Value, handler)

		if err := reader.CommitMessages(b.ctx, msg); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("failed to commit kafka offset", zap.String("queue", queue), zap.Error(err))
		}
	}
}

// Close stops the readers and flushes the writer
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers, writer := b.readers, b.writer
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	var result *multierror.Error
	for _, reader := range readers {
		if err := reader.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close kafka reader"))
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close kafka writer"))
		}
	}
	return result.ErrorOrNil()
}
