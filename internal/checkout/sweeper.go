package checkout

import (
	"context"
	"time"

	"carmarket-be/internal/events"
	"carmarket-be/internal/ledger"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/order"
	"carmarket-be/internal/payment"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const expiryReason = "payment confirmation timed out"

// ExpireStale cancels pending orders that have seen no payment activity for
// the configured timeout and returns their cars to sale. It returns how many
// orders were expired. A failure on one order does not stop the others.
func (s *service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "ExpireStale"),
	)

	cutoff := now.Add(-s.cfg.PaymentTimeout)
	ids, err := s.store.Reader().Orders.ListStalePending(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		log.Error("failed to list stale orders", zap.Error(err))
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		ok, err := s.expireOrder(ctx, id, cutoff)
		if err != nil {
			log.Error("failed to expire order", zap.String("order_id", id.String()), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		log.Info("stale orders expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *service) expireOrder(ctx context.Context, orderID uuid.UUID, cutoff time.Time) (bool, error) {
	var (
		expired *order.Order
		touched []uuid.UUID
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusPending || !o.UpdatedAt.Before(cutoff) {
			return nil
		}

		payments, err := r.Payments.ListByOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if !p.UpdatedAt.Before(cutoff) {
				return nil
			}
		}

		touched, err = s.closeOrder(ctx, r, o, payment.StatusFailed, expiryReason)
		if err != nil {
			return err
		}
		expired = o
		return nil
	})
	if err != nil || expired == nil {
		return false, err
	}

	s.invalidate(ctx, touched...)
	s.publish(ctx, events.OrderCancelled, expired.ID, map[string]any{
		"order_number": expired.OrderNumber,
		"car_id":       expired.CarID,
		"reason":       expiryReason,
	})
	return true, nil
}

// Sweeper runs ExpireStale on a fixed interval until its context ends.
type Sweeper struct {
	svc      Service
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(svc Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval, now: time.Now}
}

func (w *Sweeper) Run(ctx context.Context) error {
	log := logger.FromCtx(ctx).With(zap.String("layer", "sweeper"))
	log.Info("expiry sweeper started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.svc.ExpireStale(ctx, w.now()); err != nil && ctx.Err() == nil {
				log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
