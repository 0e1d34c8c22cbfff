package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ domain.OrderRepository = (*PostgresOrderRepository)(nil)

// PostgresOrderRepository implements OrderRepository using PostgreSQL.
// Status writes are conditional on the current value so a terminal status is
// written once.
type PostgresOrderRepository struct {
	db *sqlx.DB
}

func NewPostgresOrderRepository(db *sqlx.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

type postgresOrder struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	Items           []byte    `db:"items"`
	TotalAmount     int64     `db:"total_amount"`
	Currency        string    `db:"currency"`
	ShippingAddress string    `db:"shipping_address"`
	Status          string    `db:"status"`
	PaymentStatus   string    `db:"payment_status"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	Version         int       `db:"version"`
}

type postgresOrderItem struct {
	ProductID string       `json:"product_id"`
	Quantity  int          `json:"quantity"`
	UnitPrice models.Money `json:"unit_price"`
}

func (r *PostgresOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			id, user_id, items, total_amount, currency, shipping_address,
			status, payment_status, created_at, updated_at, version
		) VALUES (
			:id, :user_id, :items, :total_amount, :currency, :shipping_address,
			:status, :payment_status, :created_at, :updated_at, :version
		)`

	pgOrder, err := r.toPostgres(order)
	if err != nil {
		return err
	}

	if _, err := r.db.NamedExecContext(ctx, query, pgOrder); err != nil {
		return errors.Wrap(err, "failed to insert order")
	}
	return nil
}

func (r *PostgresOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	query := `
		SELECT id, user_id, items, total_amount, currency, shipping_address,
			   status, payment_status, created_at, updated_at, version
		FROM orders
		WHERE id = $1`

	var pgOrder postgresOrder
	if err := r.db.GetContext(ctx, &pgOrder, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", id)
		}
		return nil, errors.Wrap(err, "failed to find order")
	}

	return r.toDomain(&pgOrder)
}

func (r *PostgresOrderRepository) SetStatus(ctx context.Context, id models.ID, status domain.OrderStatus) error {
	if status == domain.OrderStatusPending {
		return errors.Wrapf(domain.ErrInvalidTransition, "status -> %s", status)
	}

	query := `
		UPDATE orders
		SET status = $2, updated_at = $3, version = version + 1
		WHERE id = $1 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, id.String(), string(status), time.Now().UTC(), string(domain.OrderStatusPending))
	if err != nil {
		return errors.Wrap(err, "failed to update order status")
	}

	return r.checkUpdated(ctx, res, id, func(order *domain.Order) error {
		_, err := order.TransitionStatus(status)
		return err
	})
}

func (r *PostgresOrderRepository) SetPaymentStatus(ctx context.Context, id models.ID, status domain.PaymentStatus) error {
	query := `
		UPDATE orders
		SET payment_status = $2, updated_at = $3, version = version + 1
		WHERE id = $1 AND payment_status = ANY($4)`

	sources := make([]string, 0)
	for _, from := range domain.AllowedPaymentSources(status) {
		sources = append(sources, string(from))
	}

	res, err := r.db.ExecContext(ctx, query, id.String(), string(status), time.Now().UTC(), pq.Array(sources))
	if err != nil {
		return errors.Wrap(err, "failed to update payment status")
	}

	return r.checkUpdated(ctx, res, id, func(order *domain.Order) error {
		_, err := order.TransitionPaymentStatus(status)
		return err
	})
}

// checkUpdated explains a conditional update that touched no row: missing
// order, same-state no-op or invalid transition.
func (r *PostgresOrderRepository) checkUpdated(ctx context.Context, res sql.Result, id models.ID, transition func(*domain.Order) error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected > 0 {
		return nil
	}

	order, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return transition(order)
}

func (r *PostgresOrderRepository) toPostgres(order *domain.Order) (*postgresOrder, error) {
	items := make([]postgresOrderItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = postgresOrderItem{
			ProductID: item.ProductID.String(),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	rawItems, err := json.Marshal(items)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal order items")
	}

	return &postgresOrder{
		ID:              order.ID.String(),
		UserID:          order.UserID.String(),
		Items:           rawItems,
		TotalAmount:     order.TotalAmount.Amount,
		Currency:        order.TotalAmount.Currency,
		ShippingAddress: order.ShippingAddress,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		CreatedAt:       order.Timestamps.CreatedAt,
		UpdatedAt:       order.Timestamps.UpdatedAt,
		Version:         order.Version.Value,
	}, nil
}

func (r *PostgresOrderRepository) toDomain(pgOrder *postgresOrder) (*domain.Order, error) {
	var items []postgresOrderItem
	if err := json.Unmarshal(pgOrder.Items, &items); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal order items")
	}

	order := &domain.Order{
		ID:              models.ID(pgOrder.ID),
		UserID:          models.ID(pgOrder.UserID),
		Items:           make([]domain.OrderItem, len(items)),
		TotalAmount:     models.NewMoney(pgOrder.TotalAmount, pgOrder.Currency),
		ShippingAddress: pgOrder.ShippingAddress,
		Status:          domain.OrderStatus(pgOrder.Status),
		PaymentStatus:   domain.PaymentStatus(pgOrder.PaymentStatus),
		Timestamps: models.Timestamps{
			CreatedAt: pgOrder.CreatedAt,
			UpdatedAt: pgOrder.UpdatedAt,
		},
		Version: models.Version{Value: pgOrder.Version},
	}
	for i, item := range items {
		order.Items[i] = domain.OrderItem{
			ProductID: models.ID(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	return order, nil
}
