package car

import (
	"context"
	"time"

	"carmarket-be/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine moves a car between active, reserved and sold on behalf of an
// order. Every move is a compare-and-set against the store, never an
// in-process lock, so it holds across processes.
type Engine struct {
	repo Repository
	now  func() time.Time
}

func NewEngine(repo Repository, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{repo: repo, now: now}
}

// Reserve claims an active car for orderID. Reserving a car the same order
// already holds is a no-op.
func (e *Engine) Reserve(ctx context.Context, carID int64, orderID uuid.UUID) error {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "reservation"),
		zap.String("method", "Reserve"),
		zap.Int64("car_id", carID),
		zap.String("order_id", orderID.String()),
	)

	ok, err := e.repo.CompareAndSetStatus(ctx, StatusChange{
		CarID:  carID,
		From:   StatusActive,
		To:     StatusReserved,
		Holder: &orderID,
		At:     e.now(),
	})
	if err != nil {
		log.Error("reserve failed", zap.Error(err))
		return err
	}
	if ok {
		log.Info("car reserved")
		return nil
	}

	c, err := e.repo.GetByID(ctx, carID)
	if err != nil {
		return err
	}
	if c.Status == StatusReserved && c.HeldBy(orderID) {
		return nil
	}

	log.Warn("car not available", zap.String("status", string(c.Status)))
	return ErrAlreadyReserved
}

// CommitSale marks a car reserved by orderID as sold.
func (e *Engine) CommitSale(ctx context.Context, carID int64, orderID uuid.UUID) error {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "reservation"),
		zap.String("method", "CommitSale"),
		zap.Int64("car_id", carID),
		zap.String("order_id", orderID.String()),
	)

	now := e.now()
	ok, err := e.repo.CompareAndSetStatus(ctx, StatusChange{
		CarID:          carID,
		From:           StatusReserved,
		To:             StatusSold,
		Holder:         &orderID,
		ExpectedHolder: &orderID,
		SoldAt:         &now,
		At:             now,
	})
	if err != nil {
		log.Error("commit sale failed", zap.Error(err))
		return err
	}
	if !ok {
		if _, err := e.repo.GetByID(ctx, carID); err != nil {
			return err
		}
		log.Error("car not reserved by order at commit")
		return ErrInvalidState
	}

	log.Info("car sold")
	return nil
}

// Release returns a car reserved by orderID to active. It is a no-op when
// the car is already active or is held by another order, so duplicate
// cancellations are harmless. A car sold through orderID cannot be released.
func (e *Engine) Release(ctx context.Context, carID int64, orderID uuid.UUID) error {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "reservation"),
		zap.String("method", "Release"),
		zap.Int64("car_id", carID),
		zap.String("order_id", orderID.String()),
	)

	ok, err := e.repo.CompareAndSetStatus(ctx, StatusChange{
		CarID:          carID,
		From:           StatusReserved,
		To:             StatusActive,
		ExpectedHolder: &orderID,
		At:             e.now(),
	})
	if err != nil {
		log.Error("release failed", zap.Error(err))
		return err
	}
	if ok {
		log.Info("car released")
		return nil
	}

	c, err := e.repo.GetByID(ctx, carID)
	if err != nil {
		return err
	}
	if c.Status == StatusSold && c.HeldBy(orderID) {
		log.Warn("release requested for car sold through this order")
		return ErrInvalidState
	}

	log.Debug("release skipped", zap.String("status", string(c.Status)))
	return nil
}
