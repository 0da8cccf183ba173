// Package ledger runs checkout mutations against Postgres as one unit of
// work. Repositories handed to the callback are bound to a single
// transaction; nothing they write is visible until the callback returns nil.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"carmarket-be/internal/car"
	"carmarket-be/internal/db"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/order"
	"carmarket-be/internal/payment"

	"go.uber.org/zap"
)

type Repos struct {
	Cars     car.Repository
	Orders   order.Repository
	Payments payment.Repository
}

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
	Reader() Repos
}

type store struct {
	db *sql.DB
}

func NewStore(conn *sql.DB) Store {
	return &store{db: conn}
}

func bind(conn db.DBTX) Repos {
	return Repos{
		Cars:     car.NewRepository(conn),
		Orders:   order.NewRepository(conn),
		Payments: payment.NewRepository(conn),
	}
}

func (s *store) Reader() Repos {
	return bind(s.db)
}

func (s *store) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				logger.FromCtx(ctx).Error("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, bind(tx)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
