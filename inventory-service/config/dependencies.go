package config

import (
	"context"

	"github.com/draftea/order-system/inventory-service/application"
	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/inventory-service/handlers"
	"github.com/draftea/order-system/inventory-service/infrastructure"
	"github.com/draftea/order-system/inventory-service/migrations"
	"github.com/draftea/order-system/shared/database"
	"github.com/draftea/order-system/shared/events"
	sharedinfra "github.com/draftea/order-system/shared/infrastructure"
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
	InventoryRepository domain.InventoryRepository

	// Use Cases
	ReserveInventory *application.ReserveInventory
	ReleaseInventory *application.ReleaseInventory
	UpsertProduct    *application.UpsertProduct
	GetProduct       *application.GetProduct

	// HTTP Handlers
	InventoryHandlers *handlers.InventoryHandlers

	// Event Handlers
	InventoryEventHandlers *handlers.InventoryEventHandlers

	// Infrastructure
	EventBus events.Bus

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown telemetry.ShutdownFunc
}

func BuildDependencies(ctx context.Context, config *Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	if config.Telemetry.Enabled {
		telConfig := telemetry.InventoryServiceConfig.
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

	if config.Database.Driver == "memory" {
		deps.InventoryRepository = infrastructure.NewMemoryInventoryRepository()
	} else {
		db, err := database.Connect(ctx, config.Database.DSN())
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.DB = db

		if err := database.Migrate(ctx, db, migrations.FS, migrations.Dir); err != nil {
			deps.Close()
			return nil, err
		}
		deps.InventoryRepository = infrastructure.NewPostgresInventoryRepository(db)
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

	// Initialize use cases
	deps.ReserveInventory = application.NewReserveInventory(deps.InventoryRepository, bus, logger)
	deps.ReleaseInventory = application.NewReleaseInventory(deps.InventoryRepository, bus, logger)
	deps.UpsertProduct = application.NewUpsertProduct(deps.InventoryRepository)
	deps.GetProduct = application.NewGetProduct(deps.InventoryRepository)

	// Initialize handlers
	deps.InventoryHandlers = handlers.NewInventoryHandlers(deps.UpsertProduct, deps.GetProduct)
	deps.InventoryEventHandlers = handlers.NewInventoryEventHandlers(deps.ReserveInventory, deps.ReleaseInventory, logger)

	return deps, nil
}

// Close closes all dependencies
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
