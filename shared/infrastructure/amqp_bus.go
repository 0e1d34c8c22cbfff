package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/draftea/order-system/shared/events"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	amqpBackend  = "rabbitmq"
	amqpPrefetch = 10
)

var _ events.Bus = (*AMQPBus)(nil)

// AMQPConfig configures the RabbitMQ bus
type AMQPConfig struct {
	URL            string
	Exchange       string
	Service        string
	ReconnectDelay time.Duration
}

type amqpSubscription struct {
	queue     string
	eventType string
	handler   events.EventHandler
}

// AMQPBus publishes to a durable topic exchange and consumes from one durable
// queue per (service, event type). Lost connections are re-dialed every
// ReconnectDelay and existing subscriptions are restored. A consumer whose
// channel is closed or cancelled by the broker is restored on its own.
type AMQPBus struct {
	config AMQPConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	subs    []*amqpSubscription
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func NewAMQPBus(config AMQPConfig, logger *zap.Logger) *AMQPBus {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPBus{
		config: config,
		logger: logger.With(zap.String("backend", amqpBackend), zap.String("exchange", config.Exchange)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the broker and declares the exchange. Calling it on a
// connected bus is a no-op.
func (b *AMQPBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	return b.dialLocked()
}

// dialLocked opens the connection, declares the exchange and restores every
// known subscription. b.mu must be held.
func (b *AMQPBus) dialLocked() error {
	conn, err := amqp.DialConfig(b.config.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": b.config.Service},
	})
	if err != nil {
		return errors.Wrap(err, "failed to dial rabbitmq")
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open publish channel")
	}

	if err := pubCh.ExchangeDeclare(b.config.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to declare exchange")
	}

	b.conn = conn
	b.pubCh = pubCh

	for _, sub := range b.subs {
		if err := b.consumeLocked(sub); err != nil {
			conn.Close()
			b.conn, b.pubCh = nil, nil
			return err
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.workers.Add(1)
	go b.watch(closed)

	b.logger.Info("connected to rabbitmq", zap.Int("subscriptions", len(b.subs)))
	return nil
}

// watch re-dials after an unexpected connection loss
func (b *AMQPBus) watch(closed <-chan *amqp.Error) {
	defer b.workers.Done()

	var amqpErr *amqp.Error
	select {
	case <-b.ctx.Done():
		return
	case amqpErr = <-closed:
	}
	if amqpErr == nil {
		// graceful close initiated by us
		return
	}

	b.logger.Warn("rabbitmq connection lost", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))

	err := retry.Do(
		func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return retry.Unrecoverable(ErrBusClosed)
			}
			return b.dialLocked()
		},
		b.retryOptions("reconnect")...,
	)
	if err != nil && !errors.Is(err, ErrBusClosed) && b.ctx.Err() == nil {
		b.logger.Error("giving up reconnecting to rabbitmq", zap.Error(err))
	}
}

func (b *AMQPBus) retryOptions(action string) []retry.Option {
	return []retry.Option{
		retry.Context(b.ctx),
		retry.Attempts(0),
		retry.Delay(b.config.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn("rabbitmq "+action+" attempt failed", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	}
}

// awaitChannelLoss blocks until a consumer channel stops on its own. It
// reports false when the bus is shutting down or the channel was closed
// gracefully.
func awaitChannelLoss(ctx context.Context, closed <-chan *amqp.Error, cancelled <-chan string) (string, bool) {
	for {
		select {
		case <-ctx.Done():
			return "", false
		case amqpErr := <-closed:
			if amqpErr == nil {
				return "", false
			}
			return amqpErr.Reason, true
		case tag, ok := <-cancelled:
			if !ok {
				// closed together with the channel, the close notification decides
				cancelled = nil
				continue
			}
			return "consumer " + tag + " cancelled by broker", true
		}
	}
}

// resubscribe restores a single consumer on conn. It stops once conn is
// replaced or closed, since the connection watcher restores every
// subscription after a re-dial.
func (b *AMQPBus) resubscribe(sub *amqpSubscription, conn *amqp.Connection) error {
	return retry.Do(
		func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return retry.Unrecoverable(ErrBusClosed)
			}
			if b.conn != conn || conn.IsClosed() {
				return retry.Unrecoverable(ErrNotConnected)
			}
			return b.consumeLocked(sub)
		},
		b.retryOptions("resubscribe")...,
	)
}

func (b *AMQPBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.pubCh == nil || b.conn.IsClosed() {
		return ErrNotConnected
	}

	for _, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %s", event.EventType)
		}

		err = b.pubCh.PublishWithContext(ctx, b.config.Exchange, event.Topic.String(), false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     event.ID.String(),
			CorrelationId: event.CorrelationID.String(),
			Type:          event.EventType,
			Timestamp:     event.Timestamp,
			AppId:         b.config.Service,
			Body:          body,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to publish %s", event.EventType)
		}
		recordPublished(ctx, amqpBackend, event)
	}
	return nil
}

// Subscribe declares and binds the queue for eventType. The subscription
// survives reconnects until Close.
func (b *AMQPBus) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	if _, err := events.NewTopic(eventType); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub := &amqpSubscription{
		queue:     QueueName(b.config.Service, eventType),
		eventType: eventType,
		handler:   handler,
	}

	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.consumeLocked(sub); err != nil {
			return err
		}
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *AMQPBus) consumeLocked(sub *amqpSubscription) error {
	conn := b.conn
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrapf(err, "failed to open channel for %s", sub.queue)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	if _, err := ch.QueueDeclare(sub.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return errors.Wrapf(err, "failed to declare queue %s", sub.queue)
	}

	if err := ch.QueueBind(sub.queue, sub.eventType, b.config.Exchange, false, nil); err != nil {
		ch.Close()
		return errors.Wrapf(err, "failed to bind queue %s", sub.queue)
	}

	if err := ch.Qos(amqpPrefetch, 0, false); err != nil {
		ch.Close()
		return errors.Wrapf(err, "failed to set qos on %s", sub.queue)
	}

	deliveries, err := ch.Consume(sub.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return errors.Wrapf(err, "failed to consume %s", sub.queue)
	}

	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		pattern := events.Topic(sub.eventType)
		for d := range deliveries {
			var settleErr error
			result := dispatch(b.ctx, b.logger, amqpBackend, sub.queue, pattern, d.Body, sub.handler)
			if result.acked() {
				settleErr = d.Ack(false)
			} else {
				settleErr = d.Nack(false, false)
			}
			if settleErr != nil {
				b.logger.Warn("failed to settle delivery", zap.String("queue", sub.queue), zap.Error(settleErr))
			}
		}

		reason, lost := awaitChannelLoss(b.ctx, closed, cancelled)
		if !lost {
			return
		}
		b.logger.Warn("rabbitmq consumer stopped", zap.String("queue", sub.queue), zap.String("reason", reason))
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			b.logger.Debug("failed to close consumer channel", zap.String("queue", sub.queue), zap.Error(err))
		}

		err := b.resubscribe(sub, conn)
		switch {
		case err == nil:
			b.logger.Info("rabbitmq consumer restored", zap.String("queue", sub.queue))
		case errors.Is(err, ErrBusClosed), errors.Is(err, ErrNotConnected), b.ctx.Err() != nil:
			// shutting down, or left to the connection watcher
		default:
			b.logger.Error("giving up restoring rabbitmq consumer", zap.String("queue", sub.queue), zap.Error(err))
		}
	}()
	return nil
}

// Close stops consumers and closes the connection
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()

	var result *multierror.Error
	if b.pubCh != nil {
		if err := b.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "failed to close publish channel"))
		}
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close connection"))
		}
	}
	b.mu.Unlock()

	b.workers.Wait()
	return result.ErrorOrNil()
}
