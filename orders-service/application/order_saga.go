package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/infrastructure"
	"github.com/draftea/order-system/shared/models"
	"github.com/draftea/order-system/shared/saga"
	"github.com/draftea/order-system/shared/telemetry"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CompensationReason is the reason carried by order.cancelled
const CompensationReason = "Saga compensation - payment or inventory failed"

const defaultCompensationTimeout = 30 * time.Second

var (
	ErrShuttingDown = errors.New("saga orchestrator is shutting down")
	ErrStepFailed   = errors.New("saga step failed")
)

// SagaConfig bounds the waits of each step
type SagaConfig struct {
	InventoryTimeout    time.Duration `mapstructure:"inventory_timeout"`
	PaymentTimeout      time.Duration `mapstructure:"payment_timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
}

// completionSteps maps participant replies to the step they complete
var completionSteps = map[string]saga.Step{
	events.InventoryReservedEvent: saga.StepInventoryReserved,
	events.PaymentCompletedEvent:  saga.StepPaymentCompleted,
}

// SagaReplyTypes are the events the orchestrator consumes
var SagaReplyTypes = []string{
	events.InventoryReservedEvent,
	events.InventoryReleasedEvent,
	events.PaymentCompletedEvent,
	events.PaymentFailedEvent,
}

// OrderSagaOrchestrator drives one goroutine per order through inventory
// reservation and payment, compensating completed steps on failure.
type OrderSagaOrchestrator struct {
	orderRepository domain.OrderRepository
	publisher       events.Publisher
	registry        *saga.Registry
	awaiter         *saga.Awaiter
	journal         infrastructure.EventJournal
	config          SagaConfig
	logger          *zap.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	shuttingDown bool
}

// NewOrderSagaOrchestrator creates the orchestrator. journal and tel may be nil.
func NewOrderSagaOrchestrator(
	orderRepository domain.OrderRepository,
	publisher events.Publisher,
	registry *saga.Registry,
	awaiter *saga.Awaiter,
	journal infrastructure.EventJournal,
	tel *telemetry.Telemetry,
	config SagaConfig,
	logger *zap.Logger,
) *OrderSagaOrchestrator {
	if config.InventoryTimeout <= 0 {
		config.InventoryTimeout = 30 * time.Second
	}
	if config.PaymentTimeout <= 0 {
		config.PaymentTimeout = 60 * time.Second
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = defaultCompensationTimeout
	}
	if journal != nil {
		publisher = infrastructure.NewJournalingPublisher(publisher, journal, logger)
	}

	base := context.Background()
	if tel != nil {
		base = telemetry.WithTelemetry(base, tel)
	}
	ctx, cancel := context.WithCancel(base)

	return &OrderSagaOrchestrator{
		orderRepository: orderRepository,
		publisher:       publisher,
		registry:        registry,
		awaiter:         awaiter,
		journal:         journal,
		config:          config,
		logger:          logger.With(zap.String("component", "order_saga")),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Subscribe binds the orchestrator to every participant reply type
func (o *OrderSagaOrchestrator) Subscribe(ctx context.Context, subscriber events.Subscriber) error {
	for _, eventType := range SagaReplyTypes {
		if err := subscriber.Subscribe(ctx, eventType, o); err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", eventType)
		}
	}
	return nil
}

// HandlerID returns the unique identifier for this event handler
func (o *OrderSagaOrchestrator) HandlerID() string {
	return "orders-service-saga-handler"
}

// Handle routes a participant reply to the saga waiting for it. Replies for
// unknown sagas, for steps already completed or with no armed waiter are
// acknowledged and ignored.
func (o *OrderSagaOrchestrator) Handle(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return errors.Wrapf(err, "rejecting %s %s", event.EventType, event.ID)
	}

	logger := o.logger.With(
		zap.String("order_id", event.CorrelationID.String()),
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.ID.String()),
	)

	instance, ok := o.registry.Get(event.CorrelationID)
	if !ok {
		logger.Debug("ignoring event for untracked saga")
		return nil
	}

	if step, ok := completionSteps[event.EventType]; ok && instance.HasCompleted(step) {
		logger.Info("ignoring duplicate event for completed step", zap.String("step", string(step)))
		return nil
	}

	if !o.awaiter.Deliver(event) {
		logger.Debug("ignoring event with no armed waiter", zap.String("state", string(instance.State())))
		return nil
	}

	if o.journal != nil {
		if err := o.journal.Append(ctx, infrastructure.DirectionInbound, event); err != nil {
			logger.Warn("failed to journal inbound event", zap.Error(err))
		}
	}
	return nil
}

// Start registers a saga for order and runs it in the background. Business
// failures are reported through the order and saga status, never here.
func (o *OrderSagaOrchestrator) Start(ctx context.Context, order *domain.Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shuttingDown {
		return ErrShuttingDown
	}

	instance := saga.NewInstance(order.ID)
	if err := o.registry.Register(instance); err != nil {
		return err
	}

	telemetry.RecordCounter(o.ctx, "saga_started_total", "Sagas started", 1)

	o.wg.Add(1)
	go o.run(instance, order)
	return nil
}

// Status returns a snapshot of the live saga for orderID
func (o *OrderSagaOrchestrator) Status(orderID models.ID) (saga.Snapshot, bool) {
	instance, ok := o.registry.Get(orderID)
	if !ok {
		return saga.Snapshot{}, false
	}
	return instance.Snapshot(), true
}

// Snapshots lists every tracked saga
func (o *OrderSagaOrchestrator) Snapshots() []saga.Snapshot {
	return o.registry.Snapshots()
}

// Shutdown stops accepting sagas and waits for running ones. When ctx expires
// first, pending waits are cancelled, which compensates those sagas.
func (o *OrderSagaOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.logger.Warn("cancelling running sagas", zap.Int("running", o.registry.Len()))
		o.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "sagas cancelled on shutdown")
	}
}

func (o *OrderSagaOrchestrator) run(instance *saga.Instance, order *domain.Order) {
	defer o.wg.Done()

	ctx, span := telemetry.StartSpan(o.ctx, "saga.order_fulfillment",
		trace.WithAttributes(attribute.String("order_id", order.ID.String())),
	)
	defer span.End()

	err := o.execute(ctx, instance, order)
	if err != nil {
		span.RecordError(err)
		o.abort(ctx, instance, order, err)
	}

	instance.Finish()
	o.registry.Release(instance)

	state := instance.State()
	span.SetAttributes(attribute.String("saga.state", string(state)))
	if state != saga.StateCompleted {
		span.SetStatus(codes.Error, instance.FailureReason())
	}

	telemetry.RecordCounter(ctx, "saga_finished_total", "Sagas finished", 1,
		attribute.String("state", string(state)),
	)
	telemetry.RecordHistogram(ctx, "saga_duration_seconds", "Saga duration", time.Since(instance.StartedAt()).Seconds(),
		attribute.String("state", string(state)),
	)

	o.sagaLogger(instance).Info("saga finished")
}

// execute runs the forward path. A panic is turned into a step failure.
func (o *OrderSagaOrchestrator) execute(ctx context.Context, instance *saga.Instance, order *domain.Order) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("saga panicked: %v", r)
			o.sagaLogger(instance).Error("saga panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	logger := o.sagaLogger(instance)
	logger.Info("saga started")

	items := toItemData(order.Items)

	created := events.NewEvent(order.ID, events.OrderCreatedEvent, events.OrderCreatedData{
		OrderID:         order.ID,
		UserID:          order.UserID,
		Items:           items,
		TotalAmount:     order.TotalAmount,
		ShippingAddress: order.ShippingAddress,
	})
	if err := o.publisher.Publish(ctx, created); err != nil {
		return errors.Wrap(err, "failed to publish order created")
	}

	reply, err := o.step(ctx, instance, saga.StepInventoryReserved, o.config.InventoryTimeout,
		events.NewEvent(order.ID, events.InventoryReserveRequestedEvent, events.InventoryReserveRequestedData{
			OrderID: order.ID,
			Items:   items,
		}),
		events.InventoryReservedEvent, events.InventoryReleasedEvent,
	)
	if err != nil {
		return err
	}

	if reply.EventType == events.InventoryReleasedEvent {
		instance.AbandonStep()
		var data events.InventoryReleasedData
		if err := reply.UnmarshalPayload(&data); err != nil {
			o.sagaLogger(instance).Error("malformed failure reply",
				zap.String("event_type", reply.EventType),
				zap.String("event_id", reply.ID.String()),
				zap.Error(err),
			)
		}
		return errors.Wrapf(ErrStepFailed, "inventory not reserved: %s", data.Reason)
	}
	if _, err := instance.CompleteStep(saga.StepInventoryReserved, saga.StateInventoryReserved); err != nil {
		return err
	}
	logger.Info("inventory reserved")

	reply, err = o.step(ctx, instance, saga.StepPaymentCompleted, o.config.PaymentTimeout,
		events.NewEvent(order.ID, events.PaymentRequestedEvent, events.PaymentRequestedData{
			OrderID: order.ID,
			UserID:  order.UserID,
			Amount:  order.TotalAmount,
		}),
		events.PaymentCompletedEvent, events.PaymentFailedEvent,
	)
	if err != nil {
		return err
	}

	if reply.EventType == events.PaymentFailedEvent {
		instance.AbandonStep()
		var data events.PaymentFailedData
		if err := reply.UnmarshalPayload(&data); err != nil {
			o.sagaLogger(instance).Error("malformed failure reply",
				zap.String("event_type", reply.EventType),
				zap.String("event_id", reply.ID.String()),
				zap.Error(err),
			)
		}
		return errors.Wrapf(ErrStepFailed, "payment failed: %s", data.Reason)
	}

	var payment events.PaymentCompletedData
	if err := reply.UnmarshalPayload(&payment); err != nil {
		return errors.Wrap(err, "failed to read payment completed data")
	}
	instance.RecordPayment(payment.PaymentID, payment.Amount)
	if _, err := instance.CompleteStep(saga.StepPaymentCompleted, saga.StatePaymentCompleted); err != nil {
		return err
	}
	logger.Info("payment completed", zap.String("payment_id", payment.PaymentID.String()))

	return o.finalize(ctx, instance, order)
}

// step arms a waiter, publishes the request and waits for one of the reply
// types. The waiter is armed first so a fast reply cannot be missed.
func (o *OrderSagaOrchestrator) step(
	ctx context.Context,
	instance *saga.Instance,
	step saga.Step,
	timeout time.Duration,
	request *events.Event,
	replyTypes ...string,
) (*events.Event, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.step."+string(step))
	defer span.End()

	waiter, err := o.awaiter.Arm(instance.OrderID(), replyTypes...)
	if err != nil {
		return nil, err
	}

	instance.BeginStep(step)
	if err := o.publisher.Publish(ctx, request); err != nil {
		waiter.Cancel()
		span.RecordError(err)
		return nil, errors.Wrapf(err, "failed to publish %s", request.EventType)
	}

	reply, err := waiter.Wait(ctx, timeout)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "waiting for %s", step)
	}

	span.SetAttributes(attribute.String("saga.reply", reply.EventType))
	return reply, nil
}

// finalize confirms the order. Once both writes succeed the saga is complete;
// a failed order.confirmed publish is only logged.
func (o *OrderSagaOrchestrator) finalize(ctx context.Context, instance *saga.Instance, order *domain.Order) error {
	if err := o.orderRepository.SetPaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted); err != nil {
		return errors.Wrap(err, "failed to mark payment completed")
	}
	if err := o.orderRepository.SetStatus(ctx, order.ID, domain.OrderStatusConfirmed); err != nil {
		return errors.Wrap(err, "failed to confirm order")
	}
	if err := instance.Transition(saga.StateCompleted); err != nil {
		return err
	}

	paymentID, _ := instance.Payment()
	confirmed := events.NewEvent(order.ID, events.OrderConfirmedEvent, events.OrderConfirmedData{
		OrderID:   order.ID,
		UserID:    order.UserID,
		PaymentID: paymentID,
	})
	if err := o.publisher.Publish(ctx, confirmed); err != nil {
		o.sagaLogger(instance).Error("order confirmed but event not published", zap.Error(err))
	}
	return nil
}

// abort moves a failed saga through compensation
func (o *OrderSagaOrchestrator) abort(ctx context.Context, instance *saga.Instance, order *domain.Order, cause error) {
	if instance.State() == saga.StateCompleted {
		o.sagaLogger(instance).Error("error after saga completed", zap.Error(cause))
		return
	}

	if err := instance.Fail(cause.Error()); err != nil {
		o.sagaLogger(instance).Error("failed to mark saga failed", zap.Error(err))
		return
	}
	o.sagaLogger(instance).Warn("saga failed, compensating", zap.Error(cause))

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.CompensationTimeout)
	defer cancel()

	if err := o.compensate(compCtx, instance, order); err != nil {
		if terr := instance.Transition(saga.StateFailed); terr != nil {
			o.sagaLogger(instance).Error("failed to mark saga failed", zap.Error(terr))
		}
		o.sagaLogger(instance).Error("compensation failed, saga needs manual remediation", zap.Error(err))
		return
	}

	if err := instance.Transition(saga.StateCompensated); err != nil {
		o.sagaLogger(instance).Error("failed to mark saga compensated", zap.Error(err))
	}
}

// compensate undoes the pending step, then every completed step in reverse
// order. Every action is attempted; errors are aggregated.
func (o *OrderSagaOrchestrator) compensate(ctx context.Context, instance *saga.Instance, order *domain.Order) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.compensate")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("compensation panicked: %v", r)
		}
	}()

	if err := instance.Transition(saga.StateCompensating); err != nil {
		return err
	}

	var result *multierror.Error

	// the participant may still apply a request that timed out
	if pending := instance.PendingStep(); pending != "" {
		if err := o.compensateStep(ctx, instance, order, pending); err != nil {
			result = multierror.Append(result, err)
		}
	}

	steps := instance.CompletedSteps()
	for i := len(steps) - 1; i >= 0; i-- {
		if err := o.compensateStep(ctx, instance, order, steps[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (o *OrderSagaOrchestrator) compensateStep(ctx context.Context, instance *saga.Instance, order *domain.Order, step saga.Step) error {
	reason := CompensationReason
	if failure := instance.FailureReason(); failure != "" {
		reason = fmt.Sprintf("%s: %s", CompensationReason, failure)
	}

	switch step {
	case saga.StepPaymentCompleted:
		paymentID, amount := instance.Payment()
		if amount.IsZero() {
			amount = order.TotalAmount
		}
		refund := events.NewEvent(order.ID, events.PaymentRefundRequestedEvent, events.PaymentRefundRequestedData{
			OrderID:   order.ID,
			PaymentID: paymentID,
			Amount:    amount,
			Reason:    reason,
		})
		if err := o.publisher.Publish(ctx, refund); err != nil {
			return errors.Wrap(err, "failed to request refund")
		}

	case saga.StepInventoryReserved:
		release := events.NewEvent(order.ID, events.InventoryReleaseRequestedEvent, events.InventoryReleaseRequestedData{
			OrderID: order.ID,
			Items:   toItemData(order.Items),
			Reason:  reason,
		})
		if err := o.publisher.Publish(ctx, release); err != nil {
			return errors.Wrap(err, "failed to request inventory release")
		}

	case saga.StepOrderCreated:
		return o.cancelOrder(ctx, instance, order)
	}
	return nil
}

func (o *OrderSagaOrchestrator) cancelOrder(ctx context.Context, instance *saga.Instance, order *domain.Order) error {
	var result *multierror.Error

	paymentStatus := domain.PaymentStatusFailed
	if instance.HasCompleted(saga.StepPaymentCompleted) {
		paymentStatus = domain.PaymentStatusRefunded
	}
	if err := o.orderRepository.SetPaymentStatus(ctx, order.ID, paymentStatus); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to mark payment %s", paymentStatus))
	}

	if err := o.orderRepository.SetStatus(ctx, order.ID, domain.OrderStatusCancelled); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to cancel order"))
	}

	cancelled := events.NewEvent(order.ID, events.OrderCancelledEvent, events.OrderCancelledData{
		OrderID: order.ID,
		UserID:  order.UserID,
		Reason:  CompensationReason,
	})
	if err := o.publisher.Publish(ctx, cancelled); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to publish order cancelled"))
	}

	return result.ErrorOrNil()
}

func (o *OrderSagaOrchestrator) sagaLogger(instance *saga.Instance) *zap.Logger {
	snapshot := instance.Snapshot()
	steps := make([]string, len(snapshot.CompletedSteps))
	for i, s := range snapshot.CompletedSteps {
		steps[i] = string(s)
	}

	fields := []zap.Field{
		zap.String("order_id", snapshot.OrderID.String()),
		zap.String("state", string(snapshot.State)),
		zap.Strings("completed_steps", steps),
	}
	if snapshot.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", snapshot.FailureReason))
	}
	return o.logger.With(fields...)
}

func toItemData(items []domain.OrderItem) []events.OrderItemData {
	data := make([]events.OrderItemData, len(items))
	for i, item := range items {
		data[i] = events.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	return data
}
