package car

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carmarket-be/internal/db"

	"github.com/google/uuid"
)

// StatusChange describes one compare-and-set on a car row. The update only
// applies when the row is still in From and, if ExpectedHolder is set, still
// held by that order.
type StatusChange struct {
	CarID          int64
	From           Status
	To             Status
	Holder         *uuid.UUID
	ExpectedHolder *uuid.UUID
	SoldAt         *time.Time
	At             time.Time
}

type Repository interface {
	GetByID(ctx context.Context, id int64) (*Car, error)
	CompareAndSetStatus(ctx context.Context, change StatusChange) (bool, error)
}

type repository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) Repository {
	return &repository{db: conn}
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Car, error) {
	const q = `
		SELECT id, seller_id, title, price, status, holder_order_id, sold_at, updated_at
		FROM cars
		WHERE id = $1
	`

	var (
		c      Car
		holder uuid.NullUUID
		soldAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.SellerID, &c.Title, &c.Price, &c.Status, &holder, &soldAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCarNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get car %d: %w", id, err)
	}

	if holder.Valid {
		h := holder.UUID
		c.HolderOrderID = &h
	}
	if soldAt.Valid {
		t := soldAt.Time
		c.SoldAt = &t
	}
	return &c, nil
}

// CompareAndSetStatus is a single conditional UPDATE, so concurrent callers
// racing on the same row are serialised by the database and exactly one of
// them observes an affected row.
func (r *repository) CompareAndSetStatus(ctx context.Context, ch StatusChange) (bool, error) {
	if !CanTransition(ch.From, ch.To) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, ch.From, ch.To)
	}

	const q = `
		UPDATE cars
		SET status = $1,
			holder_order_id = $2,
			sold_at = COALESCE($3, sold_at),
			updated_at = $4
		WHERE id = $5
		  AND status = $6
		  AND ($7::uuid IS NULL OR holder_order_id = $7::uuid)
	`

	res, err := r.db.ExecContext(ctx, q,
		ch.To, ch.Holder, ch.SoldAt, ch.At,
		ch.CarID, ch.From, ch.ExpectedHolder,
	)
	if err != nil {
		return false, fmt.Errorf("update car %d status: %w", ch.CarID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
