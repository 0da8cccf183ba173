// Package checkout coordinates a car reservation with its order and payment
// attempts. Every multi-row change runs in one ledger transaction that locks
// rows in a fixed order (order, then payment, then car). Provider calls
// happen outside transactions and events are published only after commit.
package checkout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"carmarket-be/internal/car"
	"carmarket-be/internal/config"
	"carmarket-be/internal/events"
	"carmarket-be/internal/ledger"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/order"
	"carmarket-be/internal/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxOrderNumberAttempts = 3

type Config struct {
	FeePercent     decimal.Decimal
	Currency       string
	PaymentTimeout time.Duration
	PublicBaseURL  string
	SweepBatch     int
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		FeePercent:     cfg.PlatformFeePercent,
		Currency:       cfg.DefaultCurrency,
		PaymentTimeout: cfg.PaymentTimeout,
		PublicBaseURL:  cfg.PublicBaseURL,
		SweepBatch:     100,
	}
}

// StatusCache serves payment status reads and is told about every committed
// payment change.
type StatusCache interface {
	payment.Reader
	Invalidate(ctx context.Context, ids ...uuid.UUID) error
}

type Service interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*CheckoutResult, error)
	GetOrder(ctx context.Context, buyerID int64, orderID uuid.UUID) (*OrderDetail, error)
	ListOrders(ctx context.Context, buyerID int64, limit, offset int32) ([]*order.Order, error)
	CancelOrder(ctx context.Context, buyerID int64, orderID uuid.UUID) (*order.Order, error)

	GetPayment(ctx context.Context, buyerID int64, paymentID uuid.UUID) (*PaymentDetail, error)
	InitiatePayment(ctx context.Context, in InitiateInput) (*InitiateResult, error)
	HandlePushCallback(ctx context.Context, method payment.Method, body []byte) (Resolution, error)
	ExecuteRedirectPayment(ctx context.Context, in ExecuteInput) (*ExecuteResult, error)
	CancelPayment(ctx context.Context, buyerID int64, paymentID uuid.UUID) (*payment.Payment, error)

	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

type CreateOrderInput struct {
	BuyerID     int64
	CarID       int64
	DeliveryFee decimal.Decimal
	Note        string
	Method      payment.Method
}

type CheckoutResult struct {
	Order   *order.Order     `json:"order"`
	Payment *payment.Payment `json:"payment"`
}

type OrderDetail struct {
	Order    *order.Order       `json:"order"`
	Payments []*payment.Payment `json:"payments"`
}

type PaymentDetail struct {
	Payment      *payment.Payment `json:"payment"`
	OrderNumber  string           `json:"order_number"`
	Instructions []string         `json:"instructions"`
}

type service struct {
	cfg       Config
	store     ledger.Store
	gateways  *payment.Registry
	publisher events.Publisher
	cache     StatusCache
	now       func() time.Time
}

func NewService(
	cfg Config,
	store ledger.Store,
	gateways *payment.Registry,
	publisher events.Publisher,
	cache StatusCache,
	now func() time.Time,
) Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cache == nil {
		cache = readThrough{store.Reader().Payments}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &service{
		cfg:       cfg,
		store:     store,
		gateways:  gateways,
		publisher: publisher,
		cache:     cache,
		now:       now,
	}
}

// readThrough is the StatusCache used when no redis is configured.
type readThrough struct {
	payment.Reader
}

func (readThrough) Invalidate(context.Context, ...uuid.UUID) error { return nil }

func (s *service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CheckoutResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "CreateOrder"),
		zap.Int64("buyer_id", in.BuyerID),
		zap.Int64("car_id", in.CarID),
	)

	if in.Method == "" {
		in.Method = payment.MethodMobileMoney
	}
	if !in.Method.Valid() {
		return nil, payment.ErrUnsupportedMethod
	}
	if in.DeliveryFee.IsNegative() {
		return nil, order.ErrInvalidDeliveryFee
	}

	listing, err := s.store.Reader().Cars.GetByID(ctx, in.CarID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == in.BuyerID {
		log.Warn("self purchase rejected")
		return nil, order.ErrSelfPurchase
	}

	var result *CheckoutResult
	for attempt := 1; ; attempt++ {
		result, err = s.createOrderTx(ctx, in)
		if !errors.Is(err, order.ErrDuplicateOrderNumber) || attempt == maxOrderNumberAttempts {
			break
		}
		log.Warn("order number collision, retrying", zap.Int("attempt", attempt))
	}
	if err != nil {
		if errors.Is(err, car.ErrAlreadyReserved) {
			log.Info("car not available")
		} else {
			log.Error("create order failed", zap.Error(err))
		}
		return nil, err
	}

	log.Info("order created",
		zap.String("order_id", result.Order.ID.String()),
		zap.String("order_number", result.Order.OrderNumber),
		zap.String("total", result.Order.TotalAmount.String()),
	)

	s.publish(ctx, events.OrderCreated, result.Order.ID, map[string]any{
		"order_number": result.Order.OrderNumber,
		"car_id":       result.Order.CarID,
		"buyer_id":     result.Order.BuyerID,
		"seller_id":    result.Order.SellerID,
		"total_amount": result.Order.TotalAmount,
		"currency":     result.Order.Currency,
	})
	return result, nil
}

func (s *service) createOrderTx(ctx context.Context, in CreateOrderInput) (*CheckoutResult, error) {
	var result *CheckoutResult

	err := s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		now := s.now()
		orderID := uuid.New()

		if err := car.NewEngine(r.Cars, s.now).Reserve(ctx, in.CarID, orderID); err != nil {
			return err
		}

		// The reservation holds the row lock, so this read is consistent
		// with what was reserved.
		listing, err := r.Cars.GetByID(ctx, in.CarID)
		if err != nil {
			return err
		}
		if listing.SellerID == in.BuyerID {
			return order.ErrSelfPurchase
		}

		fees := order.CalculateFees(listing.Price, in.DeliveryFee, s.cfg.FeePercent)
		o := &order.Order{
			ID:          orderID,
			OrderNumber: order.NewOrderNumber(),
			BuyerID:     in.BuyerID,
			SellerID:    listing.SellerID,
			CarID:       listing.ID,
			CarPrice:    fees.CarPrice,
			PlatformFee: fees.PlatformFee,
			DeliveryFee: fees.DeliveryFee,
			TotalAmount: fees.Total,
			Currency:    s.cfg.Currency,
			Status:      order.StatusPending,
			BuyerNote:   in.Note,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := r.Orders.Create(ctx, o); err != nil {
			return err
		}

		p := payment.New(o.ID, in.Method, o.TotalAmount, o.Currency, now)
		if err := r.Payments.Create(ctx, p); err != nil {
			return err
		}

		result = &CheckoutResult{Order: o, Payment: p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) GetOrder(ctx context.Context, buyerID int64, orderID uuid.UUID) (*OrderDetail, error) {
	reader := s.store.Reader()

	o, err := reader.Orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, order.ErrOrderNotFound
	}

	payments, err := reader.Payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: o, Payments: payments}, nil
}

func (s *service) ListOrders(ctx context.Context, buyerID int64, limit, offset int32) ([]*order.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Reader().Orders.ListByBuyer(ctx, buyerID, limit, offset)
}

func (s *service) GetPayment(ctx context.Context, buyerID int64, paymentID uuid.UUID) (*PaymentDetail, error) {
	p, err := s.cache.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	o, err := s.store.Reader().Orders.GetByID(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, payment.ErrPaymentNotFound
	}

	return &PaymentDetail{
		Payment:      p,
		OrderNumber:  o.OrderNumber,
		Instructions: payment.Instructions(p, o.OrderNumber),
	}, nil
}

// CancelOrder abandons a pending order: open payments are cancelled and the
// car goes back on sale. Cancelling a cancelled order is a no-op.
func (s *service) CancelOrder(ctx context.Context, buyerID int64, orderID uuid.UUID) (*order.Order, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "CancelOrder"),
		zap.String("order_id", orderID.String()),
	)

	var (
		cancelled *order.Order
		touched   []uuid.UUID
		changed   bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != buyerID {
			return order.ErrOrderNotFound
		}
		cancelled = o
		if o.Status == order.StatusCancelled {
			return nil
		}
		if o.Status != order.StatusPending {
			return order.ErrNotPending
		}

		touched, err = s.closeOrder(ctx, r, o, payment.StatusCancelled, "cancelled by buyer")
		changed = true
		return err
	})
	if err != nil {
		log.Warn("cancel order failed", zap.Error(err))
		return nil, err
	}

	if changed {
		log.Info("order cancelled")
		s.invalidate(ctx, touched...)
		s.publish(ctx, events.OrderCancelled, cancelled.ID, map[string]any{
			"order_number": cancelled.OrderNumber,
			"car_id":       cancelled.CarID,
			"reason":       "cancelled by buyer",
		})
	}
	return cancelled, nil
}

// closeOrder cancels o and every payment that still holds its car, then
// releases the car. Pending payments are cancelled; processing payments move
// to inFlight with reason recorded.
func (s *service) closeOrder(
	ctx context.Context,
	r ledger.Repos,
	o *order.Order,
	inFlight payment.Status,
	reason string,
) ([]uuid.UUID, error) {
	now := s.now()

	payments, err := r.Payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	var touched []uuid.UUID
	for _, listed := range payments {
		if !listed.Status.IsOpen() {
			continue
		}
		p, err := r.Payments.GetForUpdate(ctx, listed.ID)
		if err != nil {
			return nil, err
		}
		switch p.Status {
		case payment.StatusProcessing:
			p.FailureReason = reason
			err = p.TransitionTo(inFlight, now)
		case payment.StatusPending:
			err = p.TransitionTo(payment.StatusCancelled, now)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := r.Payments.Update(ctx, p); err != nil {
			return nil, err
		}
		touched = append(touched, p.ID)
	}

	if err := o.TransitionTo(order.StatusCancelled, now); err != nil {
		return nil, err
	}
	if err := r.Orders.UpdateStatus(ctx, o); err != nil {
		return nil, err
	}

	if err := car.NewEngine(r.Cars, s.now).Release(ctx, o.CarID, o.ID); err != nil {
		return nil, err
	}
	return touched, nil
}

// releaseIfIdle releases the order's car unless another payment attempt
// besides except still holds it. A settled order's car is sold and stays so.
func (s *service) releaseIfIdle(ctx context.Context, r ledger.Repos, o *order.Order, except uuid.UUID) error {
	if o.Status == order.StatusCompleted || o.Status == order.StatusRefunded {
		return nil
	}
	payments, err := r.Payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.ID != except && p.Status.IsOpen() {
			return nil
		}
	}
	return car.NewEngine(r.Cars, s.now).Release(ctx, o.CarID, o.ID)
}

func (s *service) publish(ctx context.Context, eventType string, orderID uuid.UUID, payload map[string]any) {
	evt := events.Event{
		Type:       eventType,
		Key:        orderID.String(),
		OccurredAt: s.now(),
		Payload:    payload,
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logger.FromCtx(ctx).Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
	}
}

func (s *service) invalidate(ctx context.Context, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		logger.FromCtx(ctx).Warn("payment cache invalidation failed", zap.Error(err))
	}
}

func itemSKU(carID int64) string {
	return strconv.FormatInt(carID, 10)
}
