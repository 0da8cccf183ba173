package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carmarket-be/internal/db"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetForUpdate locks the order row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID int64, limit, offset int32) ([]*Order, error)
	UpdateStatus(ctx context.Context, o *Order) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

type repository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) Repository {
	return &repository{db: conn}
}

const orderColumns = `
	id, order_number, buyer_id, seller_id, car_id,
	car_price, platform_fee, delivery_fee, total_amount, currency,
	status, buyer_note, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o           Order
		completedAt sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID, &o.CarID,
		&o.CarPrice, &o.PlatformFee, &o.DeliveryFee, &o.TotalAmount, &o.Currency,
		&o.Status, &o.BuyerNote, &o.CreatedAt, &o.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func (r *repository) Create(ctx context.Context, o *Order) error {
	const q = `
		INSERT INTO orders (
			id, order_number, buyer_id, seller_id, car_id,
			car_price, platform_fee, delivery_fee, total_amount, currency,
			status, buyer_note, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`

	_, err := r.db.ExecContext(ctx, q,
		o.ID, o.OrderNumber, o.BuyerID, o.SellerID, o.CarID,
		o.CarPrice, o.PlatformFee, o.DeliveryFee, o.TotalAmount, o.Currency,
		o.Status, o.BuyerNote, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "orders_order_number_key" {
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) get(ctx context.Context, q string, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (r *repository) ListByBuyer(ctx context.Context, buyerID int64, limit, offset int32) ([]*Order, error) {
	q := `SELECT ` + orderColumns + `
		FROM orders
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, q, buyerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *repository) UpdateStatus(ctx context.Context, o *Order) error {
	const q = `
		UPDATE orders
		SET status = $1, updated_at = $2, completed_at = $3
		WHERE id = $4
	`

	res, err := r.db.ExecContext(ctx, q, o.Status, o.UpdatedAt, o.CompletedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListStalePending returns pending orders with no order or payment activity
// since cutoff, oldest first.
func (r *repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	const q = `
		SELECT o.id
		FROM orders o
		WHERE o.status = $1
		  AND o.updated_at < $2
		  AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.order_id = o.id AND p.updated_at >= $2
		  )
		ORDER BY o.updated_at
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, q, StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
