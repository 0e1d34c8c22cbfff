package config

import (
	"context"

	"github.com/draftea/order-system/orders-service/application"
	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/orders-service/handlers"
	"github.com/draftea/order-system/orders-service/infrastructure"
	"github.com/draftea/order-system/orders-service/migrations"
	"github.com/draftea/order-system/shared/database"
	"github.com/draftea/order-system/shared/events"
	sharedinfra "github.com/draftea/order-system/shared/infrastructure"
	"github.com/draftea/order-system/shared/saga"
	"github.com/draftea/order-system/shared/telemetry"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Dependencies struct {
	// Database, nil when running on the memory driver
	DB *sqlx.DB

	// Repositories
	OrderRepository domain.OrderRepository
	EventJournal    sharedinfra.EventJournal

	// Saga
	Orchestrator *application.OrderSagaOrchestrator

	// Use Cases
	CreateOrder   *application.CreateOrder
	GetOrder      *application.GetOrder
	GetSagaStatus *application.GetSagaStatus
	GetSagaEvents *application.GetSagaEvents
	ListSagas     *application.ListSagas

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Infrastructure
	EventBus events.Bus

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown telemetry.ShutdownFunc
}

func BuildDependencies(ctx context.Context, config *Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.OrdersServiceConfig.
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint).
			WithVersion(config.Telemetry.ServiceVersion)
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			logger.Warn("continuing without telemetry", zap.Error(err))
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = shutdown
		}
	}

	if err := deps.buildStorage(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}

	bus, err := sharedinfra.NewBus(config.Common, logger)
	if err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "failed to create event bus")
	}
	deps.EventBus = bus

	if err := bus.Connect(ctx); err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "failed to connect event bus")
	}

	deps.Orchestrator = application.NewOrderSagaOrchestrator(
		deps.OrderRepository,
		bus,
		saga.NewRegistry(),
		saga.NewAwaiter(),
		deps.EventJournal,
		deps.Telemetry,
		config.Saga,
		logger,
	)

	// Initialize use cases
	deps.CreateOrder = application.NewCreateOrder(deps.OrderRepository, deps.Orchestrator, logger)
	deps.GetOrder = application.NewGetOrder(deps.OrderRepository)
	deps.GetSagaStatus = application.NewGetSagaStatus(deps.Orchestrator, deps.OrderRepository)
	deps.GetSagaEvents = application.NewGetSagaEvents(deps.EventJournal)
	deps.ListSagas = application.NewListSagas(deps.Orchestrator)

	// Initialize handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(
		deps.CreateOrder,
		deps.GetOrder,
		deps.GetSagaStatus,
		deps.GetSagaEvents,
		deps.ListSagas,
		logger,
	)

	return deps, nil
}

func (d *Dependencies) buildStorage(ctx context.Context, config *Config) error {
	if config.Database.Driver == "memory" {
		d.OrderRepository = infrastructure.NewMemoryOrderRepository()
		d.EventJournal = sharedinfra.NewMemoryEventJournal()
		return nil
	}

	db, err := database.Connect(ctx, config.Database.DSN())
	if err != nil {
		return err
	}
	d.DB = db

	if err := database.Migrate(ctx, db, migrations.FS, migrations.Dir); err != nil {
		return err
	}

	d.OrderRepository = infrastructure.NewPostgresOrderRepository(db)
	d.EventJournal = sharedinfra.NewPostgresEventJournal(db)
	return nil
}

// Close closes all dependencies. The orchestrator must be shut down first.
func (d *Dependencies) Close() error {
	var result *multierror.Error

	if d.EventBus != nil {
		if err := d.EventBus.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close event bus"))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close database"))
		}
	}

	if d.TelemetryShutdown != nil {
		if err := d.TelemetryShutdown(context.Background()); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to shutdown telemetry"))
		}
	}

	return result.ErrorOrNil()
}
