package infrastructure

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/draftea/order-system/shared/events"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const natsBackend = "nats"

var (
	_ events.Bus = (*NATSBus)(nil)

	ErrUnsupportedPattern = errors.New("binding pattern not supported by backend")
)

// NATSConfig configures the JetStream bus
type NATSConfig struct {
	URL     string
	Service string
	// Stream is the subject prefix; the JetStream stream captures Stream.>
	Stream         string
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// NATSBus publishes into a JetStream stream and consumes through one durable
// queue consumer per (service, event type).
type NATSBus struct {
	config NATSConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewNATSBus(config NATSConfig, logger *zap.Logger) *NATSBus {
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 5 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		config: config,
		logger: logger.With(zap.String("backend", natsBackend), zap.String("stream", config.Stream)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials NATS with unlimited reconnects and ensures the stream exists
func (b *NATSBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.conn != nil {
		return nil
	}

	conn, err := nats.Connect(b.config.URL,
		nats.Name(b.config.Service),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.Timeout(b.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to connect to nats")
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open jetstream context")
	}

	stream := streamName(b.config.Stream)
	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return errors.Wrapf(err, "failed to look up stream %s", stream)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{b.config.Stream + ".>"},
			Storage:  nats.FileStorage,
		}); err != nil {
			conn.Close()
			return errors.Wrapf(err, "failed to create stream %s", stream)
		}
	}

	b.conn = conn
	b.js = js
	return nil
}

func (b *NATSBus) Publish(ctx context.Context, evts ...*events.Event) error {
	js, err := b.jetStream()
	if err != nil {
		return err
	}

	for _, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %s", event.EventType)
		}

		msg := nats.NewMsg(b.config.Stream + "." + event.Topic.String())
		msg.Data = body
		msg.Header.Set(nats.MsgIdHdr, event.ID.String())
		msg.Header.Set(EventTypeAttribute, event.EventType)

		if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return errors.Wrapf(err, "failed to publish %s", event.EventType)
		}
		recordPublished(ctx, natsBackend, event)
	}
	return nil
}

// Subscribe binds a durable queue consumer for eventType. Handler errors
// terminate the message so JetStream does not redeliver it.
func (b *NATSBus) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	pattern, err := events.NewTopic(eventType)
	if err != nil {
		return err
	}

	subject, err := natsSubject(b.config.Stream, eventType)
	if err != nil {
		return err
	}

	js, err := b.jetStream()
	if err != nil {
		return err
	}

	queue := QueueName(b.config.Service, eventType)
	durable := sanitizeName(queue)

	sub, err := js.QueueSubscribe(subject, durable, func(msg *nats.Msg) {
		result := dispatch(b.ctx, b.logger, natsBackend, queue, pattern, msg.Data, handler)

		var settleErr error
		if result.acked() {
			settleErr = msg.Ack()
		} else {
			settleErr = msg.Term()
		}
		if settleErr != nil {
			b.logger.Warn("failed to settle message", zap.String("queue", queue), zap.Error(settleErr))
		}
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverNew(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to subscribe %s", queue)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close closes the connection. Durable consumers are left on the server so
// the queues keep accumulating while the service is down.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()

	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

func (b *NATSBus) jetStream() (nats.JetStreamContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.js == nil {
		return nil, ErrNotConnected
	}
	return b.js, nil
}

// natsSubject translates an AMQP style pattern to a NATS subject
func natsSubject(prefix, eventType string) (string, error) {
	words := strings.Split(eventType, ".")
	for i, w := range words {
		if w == "#" {
			if i != len(words)-1 {
				return "", errors.Wrapf(ErrUnsupportedPattern, "%s on nats", eventType)
			}
			words[i] = ">"
		}
	}
	return prefix + "." + strings.Join(words, "."), nil
}

func streamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix))
}
