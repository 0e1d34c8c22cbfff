package infrastructure

import (
	"context"
	"sync"

	"github.com/draftea/order-system/shared/events"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const memoryBackend = "memory"

var _ events.Bus = (*MemoryBus)(nil)

// MemoryExchange is an in-process topic exchange. Several MemoryBus clients,
// one per service, can share an exchange.
type MemoryExchange struct {
	mu     sync.RWMutex
	queues map[string]*memoryQueue
	buffer int
}

type memoryQueue struct {
	name    string
	pattern events.Topic
	ch      chan []byte
	owner   *MemoryBus
}

func NewMemoryExchange(buffer int) *MemoryExchange {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryExchange{
		queues: make(map[string]*memoryQueue),
		buffer: buffer,
	}
}

func (x *MemoryExchange) declare(owner *MemoryBus, name string, pattern events.Topic) *memoryQueue {
	x.mu.Lock()
	defer x.mu.Unlock()

	if q, ok := x.queues[name]; ok {
		return q
	}
	q := &memoryQueue{
		name:    name,
		pattern: pattern,
		ch:      make(chan []byte, x.buffer),
		owner:   owner,
	}
	x.queues[name] = q
	return q
}

func (x *MemoryExchange) remove(owner *MemoryBus) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for name, q := range x.queues {
		if q.owner == owner {
			delete(x.queues, name)
		}
	}
}

func (x *MemoryExchange) route(topic events.Topic) []*memoryQueue {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var matched []*memoryQueue
	for _, q := range x.queues {
		if topic.Matches(q.pattern) {
			matched = append(matched, q)
		}
	}
	return matched
}

// MemoryBus is a bus client over a MemoryExchange. Envelopes are JSON encoded
// on publish so handlers see the same shapes as with a real broker.
type MemoryBus struct {
	exchange *MemoryExchange
	service  string
	logger   *zap.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewMemoryBus(exchange *MemoryExchange, service string, logger *zap.Logger) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		exchange: exchange,
		service:  service,
		logger:   logger.With(zap.String("backend", memoryBackend)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *MemoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.connected = true
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, evts ...*events.Event) error {
	if err := b.ready(); err != nil {
		return err
	}

	for _, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %s", event.EventType)
		}

		for _, q := range b.exchange.route(event.Topic) {
			select {
			case q.ch <- body:
			case <-q.owner.ctx.Done():
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "failed to publish %s", event.EventType)
			}
		}
		recordPublished(ctx, memoryBackend, event)
	}
	return nil
}

// Subscribe declares the queue for eventType and starts one worker on it.
// Subscribing twice to the same type adds a competing consumer.
func (b *MemoryBus) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	if err := b.ready(); err != nil {
		return err
	}

	pattern, err := events.NewTopic(eventType)
	if err != nil {
		return err
	}

	q := b.exchange.declare(b, QueueName(b.service, eventType), pattern)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case body := <-q.ch:
				dispatch(b.ctx, b.logger, memoryBackend, q.name, q.pattern, body, handler)
			}
		}
	}()
	return nil
}

// Close stops the workers and waits for in-flight handlers
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	b.mu.Unlock()

	b.exchange.remove(b)
	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *MemoryBus) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if !b.connected {
		return ErrNotConnected
	}
	return nil
}
