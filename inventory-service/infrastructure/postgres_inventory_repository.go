package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ domain.InventoryRepository = (*PostgresInventoryRepository)(nil)

// PostgresInventoryRepository implements InventoryRepository using PostgreSQL.
// Reservations lock their order row and product rows, in id order, for the
// duration of the transaction.
type PostgresInventoryRepository struct {
	db *sqlx.DB
}

func NewPostgresInventoryRepository(db *sqlx.DB) *PostgresInventoryRepository {
	return &PostgresInventoryRepository{db: db}
}

type postgresProduct struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Available int       `db:"available"`
	Reserved  int       `db:"reserved"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Version   int       `db:"version"`
}

type postgresReservation struct {
	OrderID   string    `db:"order_id"`
	Items     []byte    `db:"items"`
	Status    string    `db:"status"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SaveProduct inserts or updates a product
func (r *PostgresInventoryRepository) SaveProduct(ctx context.Context, product *domain.Product) error {
	query := `
		INSERT INTO products (id, name, available, reserved, created_at, updated_at, version)
		VALUES (:id, :name, :available, :reserved, :created_at, :updated_at, :version)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			available = EXCLUDED.available,
			updated_at = EXCLUDED.updated_at,
			version = products.version + 1`

	if _, err := r.db.NamedExecContext(ctx, query, toPostgresProduct(product)); err != nil {
		return errors.Wrap(err, "failed to save product")
	}
	return nil
}

func (r *PostgresInventoryRepository) FindProduct(ctx context.Context, id models.ID) (*domain.Product, error) {
	query := `
		SELECT id, name, available, reserved, created_at, updated_at, version
		FROM products
		WHERE id = $1`

	var pgProduct postgresProduct
	if err := r.db.GetContext(ctx, &pgProduct, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", id)
		}
		return nil, errors.Wrap(err, "failed to find product")
	}
	return pgProduct.toDomain(), nil
}

func (r *PostgresInventoryRepository) FindReservation(ctx context.Context, orderID models.ID) (*domain.Reservation, error) {
	return r.findReservation(ctx, r.db, orderID, false)
}

func (r *PostgresInventoryRepository) Reserve(ctx context.Context, reservation *domain.Reservation) (*domain.Reservation, error) {
	var result *domain.Reservation

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		// serializes concurrent deliveries of the same request
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, reservation.OrderID.String()); err != nil {
			return errors.Wrap(err, "failed to lock order")
		}

		existing, err := r.findReservation(ctx, tx, reservation.OrderID, true)
		switch {
		case err == nil:
			result = existing
			return nil
		case !errors.Is(err, domain.ErrReservationNotFound):
			return err
		}

		products, err := r.lockProducts(ctx, tx, reservation.ProductIDs())
		if err != nil {
			return err
		}

		if err := reservation.Apply(products); err != nil {
			return err
		}

		if reservation.Status == domain.ReservationStatusReserved {
			for _, item := range reservation.Items {
				if err := r.updateStock(ctx, tx, products[item.ProductID]); err != nil {
					return err
				}
			}
		}

		if err := r.insertReservation(ctx, tx, reservation); err != nil {
			return err
		}
		result = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresInventoryRepository) Release(ctx context.Context, orderID models.ID, reason string) (*domain.Reservation, bool, error) {
	var (
		result   *domain.Reservation
		released bool
	)

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID.String()); err != nil {
			return errors.Wrap(err, "failed to lock order")
		}

		reservation, err := r.findReservation(ctx, tx, orderID, true)
		if errors.Is(err, domain.ErrReservationNotFound) {
			result = domain.NewReleasedTombstone(orderID, reason)
			return r.insertReservation(ctx, tx, result)
		}
		if err != nil {
			return err
		}

		result = reservation
		if reservation.Status != domain.ReservationStatusReserved {
			return nil
		}

		products, err := r.lockProducts(ctx, tx, reservation.ProductIDs())
		if err != nil {
			return err
		}

		released = reservation.Release(products, reason)
		for _, product := range products {
			if err := r.updateStock(ctx, tx, product); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE reservations SET status = $2, reason = $3, updated_at = $4 WHERE order_id = $1`,
			orderID.String(), string(reservation.Status), reservation.Reason, reservation.Timestamps.UpdatedAt,
		)
		return errors.Wrap(err, "failed to update reservation")
	})
	if err != nil {
		return nil, false, err
	}
	return result, released, nil
}

func (r *PostgresInventoryRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (r *PostgresInventoryRepository) lockProducts(ctx context.Context, tx *sqlx.Tx, ids []models.ID) (map[models.ID]*domain.Product, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	var rows []postgresProduct
	query := `
		SELECT id, name, available, reserved, created_at, updated_at, version
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`
	if err := tx.SelectContext(ctx, &rows, query, pq.Array(raw)); err != nil {
		return nil, errors.Wrap(err, "failed to lock products")
	}

	products := make(map[models.ID]*domain.Product, len(rows))
	for i := range rows {
		product := rows[i].toDomain()
		products[product.ID] = product
	}
	return products, nil
}

func (r *PostgresInventoryRepository) updateStock(ctx context.Context, tx *sqlx.Tx, product *domain.Product) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE products SET available = $2, reserved = $3, updated_at = $4, version = $5 WHERE id = $1`,
		product.ID.String(), product.Available, product.Reserved, product.Timestamps.UpdatedAt, product.Version.Value,
	)
	return errors.Wrapf(err, "failed to update stock of %s", product.ID)
}

func (r *PostgresInventoryRepository) insertReservation(ctx context.Context, tx *sqlx.Tx, reservation *domain.Reservation) error {
	items := reservation.Items
	if items == nil {
		items = []domain.ReservationItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(err, "failed to marshal reservation items")
	}

	query := `
		INSERT INTO reservations (order_id, items, status, reason, created_at, updated_at)
		VALUES (:order_id, :items, :status, :reason, :created_at, :updated_at)`
	_, err = tx.NamedExecContext(ctx, query, postgresReservation{
		OrderID:   reservation.OrderID.String(),
		Items:     raw,
		Status:    string(reservation.Status),
		Reason:    reservation.Reason,
		CreatedAt: reservation.Timestamps.CreatedAt,
		UpdatedAt: reservation.Timestamps.UpdatedAt,
	})
	return errors.Wrap(err, "failed to insert reservation")
}

func (r *PostgresInventoryRepository) findReservation(ctx context.Context, q sqlx.QueryerContext, orderID models.ID, forUpdate bool) (*domain.Reservation, error) {
	query := `
		SELECT order_id, items, status, reason, created_at, updated_at
		FROM reservations
		WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row postgresReservation
	if err := sqlx.GetContext(ctx, q, &row, query, orderID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrReservationNotFound, "order %s", orderID)
		}
		return nil, errors.Wrap(err, "failed to find reservation")
	}

	var items []domain.ReservationItem
	if err := json.Unmarshal(row.Items, &items); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal reservation items")
	}

	return &domain.Reservation{
		OrderID: models.ID(row.OrderID),
		Items:   items,
		Status:  domain.ReservationStatus(row.Status),
		Reason:  row.Reason,
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
	}, nil
}

func toPostgresProduct(product *domain.Product) *postgresProduct {
	return &postgresProduct{
		ID:        product.ID.String(),
		Name:      product.Name,
		Available: product.Available,
		Reserved:  product.Reserved,
		CreatedAt: product.Timestamps.CreatedAt,
		UpdatedAt: product.Timestamps.UpdatedAt,
		Version:   product.Version.Value,
	}
}

func (p *postgresProduct) toDomain() *domain.Product {
	return &domain.Product{
		ID:        models.ID(p.ID),
		Name:      p.Name,
		Available: p.Available,
		Reserved:  p.Reserved,
		Timestamps: models.Timestamps{
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		},
		Version: models.Version{Value: p.Version},
	}
}
