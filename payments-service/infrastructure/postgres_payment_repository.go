package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ domain.PaymentRepository = (*PostgresPaymentRepository)(nil)

// uniqueViolation is the postgres error code for a unique constraint
const uniqueViolation = "23505"

// PostgresPaymentRepository implements PaymentRepository using PostgreSQL
type PostgresPaymentRepository struct {
	db *sqlx.DB
}

// NewPostgresPaymentRepository creates a new PostgresPaymentRepository
func NewPostgresPaymentRepository(db *sqlx.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

// postgresPayment represents payment in database
type postgresPayment struct {
	ID                  string    `db:"id"`
	OrderID             string    `db:"order_id"`
	UserID              string    `db:"user_id"`
	Amount              int64     `db:"amount"`
	Currency            string    `db:"currency"`
	Status              string    `db:"status"`
	TransactionID       string    `db:"transaction_id"`
	RefundTransactionID string    `db:"refund_transaction_id"`
	FailureReason       string    `db:"failure_reason"`
	RefundRequested     bool      `db:"refund_requested"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
	Version             int       `db:"version"`
}

const paymentColumns = `
	id, order_id, user_id, amount, currency, status, transaction_id,
	refund_transaction_id, failure_reason, refund_requested,
	created_at, updated_at, version`

// Create inserts a payment. The order_id constraint makes it fail with
// ErrDuplicatePayment for a second payment of the same order.
func (r *PostgresPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `
		) VALUES (
			:id, :order_id, :user_id, :amount, :currency, :status, :transaction_id,
			:refund_transaction_id, :failure_reason, :refund_requested,
			:created_at, :updated_at, :version
		)`

	_, err := r.db.NamedExecContext(ctx, query, r.toPostgres(payment))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.Wrapf(domain.ErrDuplicatePayment, "order %s", payment.OrderID)
		}
		return errors.Wrap(err, "failed to insert payment")
	}
	return nil
}

// Update writes the payment if nobody changed it since it was read
func (r *PostgresPaymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	query := `
		UPDATE payments
		SET status = :status, transaction_id = :transaction_id,
			refund_transaction_id = :refund_transaction_id, failure_reason = :failure_reason,
			refund_requested = :refund_requested, updated_at = :updated_at, version = version + 1
		WHERE id = :id AND version = :version`

	result, err := r.db.NamedExecContext(ctx, query, r.toPostgres(payment))
	if err != nil {
		return errors.Wrap(err, "failed to update payment")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if rows == 0 {
		return errors.Wrapf(domain.ErrConcurrentModification, "payment %s version %d", payment.ID, payment.Version.Value)
	}

	payment.Version = payment.Version.Next()
	return nil
}

// FindByID finds a payment by ID
func (r *PostgresPaymentRepository) FindByID(ctx context.Context, id models.ID) (*domain.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *PostgresPaymentRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
}

func (r *PostgresPaymentRepository) findOne(ctx context.Context, query string, id models.ID) (*domain.Payment, error) {
	var pgPayment postgresPayment
	if err := r.db.GetContext(ctx, &pgPayment, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrPaymentNotFound, "%s", id)
		}
		return nil, errors.Wrap(err, "failed to find payment")
	}
	return r.toDomain(&pgPayment), nil
}

// toPostgres converts domain payment to postgres model
func (r *PostgresPaymentRepository) toPostgres(payment *domain.Payment) *postgresPayment {
	var userID string
	if !payment.UserID.IsZero() {
		userID = payment.UserID.String()
	}

	return &postgresPayment{
		ID:                  payment.ID.String(),
		OrderID:             payment.OrderID.String(),
		UserID:              userID,
		Amount:              payment.Amount.Amount,
		Currency:            payment.Amount.Currency,
		Status:              string(payment.Status),
		TransactionID:       payment.TransactionID,
		RefundTransactionID: payment.RefundTransactionID,
		FailureReason:       payment.FailureReason,
		RefundRequested:     payment.RefundRequested,
		CreatedAt:           payment.Timestamps.CreatedAt,
		UpdatedAt:           payment.Timestamps.UpdatedAt,
		Version:             payment.Version.Value,
	}
}

// toDomain converts postgres model to domain payment
func (r *PostgresPaymentRepository) toDomain(pgPayment *postgresPayment) *domain.Payment {
	return &domain.Payment{
		ID:                  models.ID(pgPayment.ID),
		OrderID:             models.ID(pgPayment.OrderID),
		UserID:              models.ID(pgPayment.UserID),
		Amount:              models.NewMoney(pgPayment.Amount, pgPayment.Currency),
		Status:              domain.PaymentStatus(pgPayment.Status),
		TransactionID:       pgPayment.TransactionID,
		RefundTransactionID: pgPayment.RefundTransactionID,
		FailureReason:       pgPayment.FailureReason,
		RefundRequested:     pgPayment.RefundRequested,
		Timestamps: models.Timestamps{
			CreatedAt: pgPayment.CreatedAt,
			UpdatedAt: pgPayment.UpdatedAt,
		},
		Version: models.Version{Value: pgPayment.Version},
	}
}
