package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"carmarket-be/internal/car"
	"carmarket-be/internal/events"
	"carmarket-be/internal/ledger"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/order"
	"carmarket-be/internal/payment"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolution says what applying a provider outcome did.
type Resolution string

const (
	ResolutionApplied   Resolution = "applied"
	ResolutionDuplicate Resolution = "duplicate"
	ResolutionIgnored   Resolution = "ignored"
)

type InitiateInput struct {
	BuyerID   int64
	PaymentID uuid.UUID
	Method    payment.Method
	Phone     string
}

type InitiateResult struct {
	Payment       *payment.Payment `json:"payment"`
	CorrelationID string           `json:"correlation_id"`
	ApprovalURL   string           `json:"approval_url,omitempty"`
	Message       string           `json:"message"`
}

type ExecuteInput struct {
	BuyerID           int64
	PaymentID         uuid.UUID
	ProviderPaymentID string
	PayerID           string
}

// ExecuteResult reports a redirect execution. Pending means the provider is
// still settling a concurrent execute and the payment stays processing.
type ExecuteResult struct {
	OrderID   uuid.UUID
	Succeeded bool
	Pending   bool
	Message   string
}

func (s *service) redirectURL(paymentID uuid.UUID, action string) string {
	return s.cfg.PublicBaseURL + "/payments/" + paymentID.String() + "/wallet/" + action
}

// InitiatePayment claims a payment attempt and hands it to its provider.
// A failed or cancelled attempt is never reused: a fresh attempt row is
// opened for the same order and the car is reserved again.
func (s *service) InitiatePayment(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "InitiatePayment"),
		zap.String("payment_id", in.PaymentID.String()),
		zap.String("payment_method", string(in.Method)),
	)

	gw, err := s.gateways.Get(in.Method)
	if err != nil {
		return nil, err
	}

	reader := s.store.Reader()
	current, err := reader.Payments.GetByID(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	o, err := reader.Orders.GetByID(ctx, current.OrderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != in.BuyerID {
		return nil, payment.ErrPaymentNotFound
	}
	listing, err := reader.Cars.GetByID(ctx, o.CarID)
	if err != nil {
		return nil, err
	}

	req := payment.InitiateRequest{
		Phone:       in.Phone,
		OrderNumber: o.OrderNumber,
		ItemName:    listing.Title,
		ItemSKU:     itemSKU(listing.ID),
		ReturnURL:   s.redirectURL(current.ID, "execute"),
		CancelURL:   s.redirectURL(current.ID, "cancel"),
	}
	if err := gw.Validate(&req); err != nil {
		log.Info("initiate request rejected", zap.Error(err))
		return nil, err
	}

	var attempt *payment.Payment
	err = s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, current.OrderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusPending {
			return order.ErrNotPending
		}

		p, err := r.Payments.GetForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}

		switch p.Status {
		case payment.StatusCompleted:
			return payment.ErrPaymentCompleted
		case payment.StatusProcessing:
			return payment.ErrPaymentInProgress
		case payment.StatusRefunded:
			return payment.ErrPaymentClosed
		}

		active, err := r.Payments.HasActiveAttempt(ctx, o.ID)
		if err != nil {
			return err
		}
		if active {
			return payment.ErrPaymentInProgress
		}

		if err := car.NewEngine(r.Cars, s.now).Reserve(ctx, o.CarID, o.ID); err != nil {
			return err
		}

		now := s.now()
		if p.Status != payment.StatusPending {
			p = payment.New(o.ID, in.Method, o.TotalAmount, o.Currency, now)
			if err := r.Payments.Create(ctx, p); err != nil {
				return err
			}
		}

		p.Method = in.Method
		p.Phone = req.Phone
		if err := p.TransitionTo(payment.StatusProcessing, now); err != nil {
			return err
		}
		if err := r.Payments.Update(ctx, p); err != nil {
			return err
		}

		attempt = p
		return nil
	})
	if err != nil {
		log.Warn("payment not claimed", zap.Error(err))
		return nil, err
	}
	s.invalidate(ctx, in.PaymentID, attempt.ID)

	log = log.With(zap.String("attempt_id", attempt.ID.String()))
	req.ReturnURL = s.redirectURL(attempt.ID, "execute")
	req.CancelURL = s.redirectURL(attempt.ID, "cancel")

	handle, err := gw.Initiate(ctx, attempt, req)
	if err != nil {
		log.Error("provider initiate failed", zap.Error(err))
		s.failAttempt(ctx, attempt.ID, err)
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		if _, err := r.Orders.GetForUpdate(ctx, attempt.OrderID); err != nil {
			return err
		}
		p, err := r.Payments.GetForUpdate(ctx, attempt.ID)
		if err != nil {
			return err
		}
		p.ProviderReference = handle.CorrelationID
		if len(handle.Response) > 0 {
			p.ResponseData = handle.Response
		}
		if err := r.Payments.Update(ctx, p); err != nil {
			return err
		}
		attempt = p
		return nil
	})
	if err != nil {
		// The provider already holds the request; its callback will not
		// match until an operator links the correlation id.
		log.Error("failed to store provider reference",
			zap.String("correlation_id", handle.CorrelationID),
			zap.Error(err),
		)
		return nil, err
	}
	s.invalidate(ctx, attempt.ID)

	log.Info("payment initiated", zap.String("correlation_id", handle.CorrelationID))

	if parser, ok := gw.(payment.CallbackParser); ok {
		s.replayEarlyCallbacks(ctx, parser, handle.CorrelationID)
	}

	return &InitiateResult{
		Payment:       attempt,
		CorrelationID: handle.CorrelationID,
		ApprovalURL:   handle.ApprovalURL,
		Message:       handle.Message,
	}, nil
}

// failAttempt records a provider rejection on a claimed attempt and gives
// the car back unless another attempt still holds it.
func (s *service) failAttempt(ctx context.Context, paymentID uuid.UUID, cause error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "failAttempt"),
		zap.String("payment_id", paymentID.String()),
	)

	var (
		failed  *payment.Payment
		changed bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		p, err := r.Payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		o, err := r.Orders.GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		p, err = r.Payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		failed = p
		if p.Status != payment.StatusProcessing {
			return nil
		}

		p.FailureReason = payment.FailureReason(cause)
		var up *payment.UpstreamError
		if errors.As(cause, &up) && json.Valid(up.Body) {
			p.ResponseData = json.RawMessage(up.Body)
		}
		if err := p.TransitionTo(payment.StatusFailed, s.now()); err != nil {
			return err
		}
		if err := r.Payments.Update(ctx, p); err != nil {
			return err
		}
		changed = true
		return s.releaseIfIdle(ctx, r, o, p.ID)
	})
	if err != nil {
		log.Error("failed to record provider failure", zap.Error(err))
		return
	}
	if !changed {
		return
	}

	s.invalidate(ctx, paymentID)
	s.publish(ctx, events.PaymentFailed, failed.OrderID, map[string]any{
		"payment_id":     failed.ID,
		"transaction_id": failed.TransactionID,
		"reason":         failed.FailureReason,
	})
}

// replayEarlyCallbacks applies deliveries that reached us before the
// provider reference was stored.
func (s *service) replayEarlyCallbacks(ctx context.Context, parser payment.CallbackParser, correlationID string) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "replayEarlyCallbacks"),
		zap.String("correlation_id", correlationID),
	)

	pending, err := s.store.Reader().Payments.ListUnprocessedCallbacks(ctx, parser.Provider(), correlationID)
	if err != nil {
		log.Error("failed to list early callbacks", zap.Error(err))
		return
	}

	for _, cb := range pending {
		outcome, err := parser.ParseCallback(cb.Payload)
		if err != nil {
			continue
		}
		if _, err := s.processCallback(ctx, parser.Method(), cb, outcome); err != nil {
			log.Warn("early callback not applied", zap.Int64("callback_id", cb.ID), zap.Error(err))
		}
	}
}

// HandlePushCallback applies a provider-originated delivery. The raw body is
// stored before anything else so every delivery is auditable, and a
// redelivery of an applied event is acknowledged without effect.
func (s *service) HandlePushCallback(ctx context.Context, method payment.Method, body []byte) (Resolution, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "HandlePushCallback"),
		zap.String("payment_method", string(method)),
	)

	parser, err := s.gateways.CallbackParser(method)
	if err != nil {
		return "", err
	}

	outcome, parseErr := parser.ParseCallback(body)
	cb := &payment.Callback{
		Provider: parser.Provider(),
		EventID:  eventID(body),
		Payload:  body,
	}
	if parseErr == nil {
		cb.CorrelationID = outcome.CorrelationID
	}

	payments := s.store.Reader().Payments
	callbackID, processed, err := payments.SaveCallback(ctx, cb)
	if err != nil {
		log.Error("failed to store callback", zap.Error(err))
		return "", err
	}
	log = log.With(zap.Int64("callback_id", callbackID))

	if parseErr != nil {
		log.Warn("malformed callback", zap.Error(parseErr))
		if err := payments.MarkCallbackFailed(ctx, callbackID, parseErr.Error()); err != nil {
			log.Error("failed to mark callback", zap.Error(err))
		}
		return "", parseErr
	}
	if processed {
		log.Info("callback already applied", zap.String("correlation_id", cb.CorrelationID))
		return ResolutionDuplicate, nil
	}

	return s.processCallback(ctx, method, cb, outcome)
}

func (s *service) processCallback(
	ctx context.Context,
	method payment.Method,
	cb *payment.Callback,
	outcome *payment.Outcome,
) (Resolution, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "processCallback"),
		zap.Int64("callback_id", cb.ID),
		zap.String("correlation_id", outcome.CorrelationID),
	)
	payments := s.store.Reader().Payments

	res, err := s.resolveByReference(ctx, method, outcome)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			log.Warn("callback matches no payment, left for reconciliation")
		}
		if markErr := payments.MarkCallbackFailed(ctx, cb.ID, err.Error()); markErr != nil {
			log.Error("failed to mark callback", zap.Error(markErr))
		}
		return res, err
	}

	if err := payments.MarkCallbackProcessed(ctx, cb.ID); err != nil {
		log.Error("failed to mark callback processed", zap.Error(err))
	}
	return res, nil
}

func (s *service) resolveByReference(ctx context.Context, method payment.Method, outcome *payment.Outcome) (Resolution, error) {
	p, err := s.store.Reader().Payments.GetByProviderReference(ctx, method, outcome.CorrelationID)
	if err != nil {
		return "", err
	}
	return s.applyOutcome(ctx, p.OrderID, p.ID, outcome)
}

// applyOutcome moves a payment, its order and its car to match a provider's
// final answer. It never regresses a completed payment and never completes a
// payment that was already failed or cancelled.
func (s *service) applyOutcome(ctx context.Context, orderID, paymentID uuid.UUID, outcome *payment.Outcome) (Resolution, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "applyOutcome"),
		zap.String("payment_id", paymentID.String()),
		zap.Bool("succeeded", outcome.Succeeded),
	)

	var (
		res     Resolution
		applied *payment.Payment
		settled *order.Order
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		p, err := r.Payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		now := s.now()

		if outcome.Succeeded {
			switch p.Status {
			case payment.StatusCompleted:
				res = ResolutionDuplicate
				return nil
			case payment.StatusFailed, payment.StatusCancelled, payment.StatusRefunded:
				log.Warn("provider success on closed payment, needs reconciliation",
					zap.String("status", string(p.Status)),
					zap.String("receipt_code", outcome.ReceiptCode),
				)
				res = ResolutionIgnored
				return nil
			}

			p.ReceiptCode = outcome.ReceiptCode
			p.PayerID = outcome.PayerID
			p.PayerEmail = outcome.PayerEmail
			if len(outcome.Raw) > 0 {
				p.ResponseData = outcome.Raw
			}
			if err := p.TransitionTo(payment.StatusCompleted, now); err != nil {
				return err
			}
			if err := r.Payments.Update(ctx, p); err != nil {
				return err
			}
			if err := o.TransitionTo(order.StatusCompleted, now); err != nil {
				return err
			}
			if err := r.Orders.UpdateStatus(ctx, o); err != nil {
				return err
			}
			if err := car.NewEngine(r.Cars, s.now).CommitSale(ctx, o.CarID, o.ID); err != nil {
				return err
			}

			res, applied, settled = ResolutionApplied, p, o
			return nil
		}

		switch p.Status {
		case payment.StatusCompleted, payment.StatusRefunded:
			log.Warn("provider failure after completion ignored", zap.String("status", string(p.Status)))
			res = ResolutionIgnored
			return nil
		case payment.StatusFailed, payment.StatusCancelled:
			res = ResolutionDuplicate
			return nil
		}

		p.FailureReason = outcome.FailureReason
		if len(outcome.Raw) > 0 {
			p.ResponseData = outcome.Raw
		}
		if err := p.TransitionTo(payment.StatusFailed, now); err != nil {
			return err
		}
		if err := r.Payments.Update(ctx, p); err != nil {
			return err
		}
		if err := s.releaseIfIdle(ctx, r, o, p.ID); err != nil {
			return err
		}

		res, applied = ResolutionApplied, p
		return nil
	})
	if err != nil {
		log.Error("outcome not applied, needs reconciliation", zap.Error(err))
		return "", err
	}
	if res != ResolutionApplied {
		log.Info("outcome already reflected", zap.String("resolution", string(res)))
		return res, nil
	}

	s.invalidate(ctx, paymentID)
	if outcome.Succeeded {
		log.Info("payment completed", zap.String("receipt_code", applied.ReceiptCode))
		s.publish(ctx, events.PaymentCompleted, orderID, map[string]any{
			"payment_id":     applied.ID,
			"transaction_id": applied.TransactionID,
			"order_number":   settled.OrderNumber,
			"car_id":         settled.CarID,
			"amount":         applied.Amount,
			"currency":       applied.Currency,
			"receipt_code":   applied.ReceiptCode,
		})
	} else {
		log.Info("payment failed", zap.String("reason", applied.FailureReason))
		s.publish(ctx, events.PaymentFailed, orderID, map[string]any{
			"payment_id":     applied.ID,
			"transaction_id": applied.TransactionID,
			"reason":         applied.FailureReason,
		})
	}
	return res, nil
}

// ExecuteRedirectPayment finalises a redirect-wallet payment once the payer
// returns from the provider's approval page.
func (s *service) ExecuteRedirectPayment(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "ExecuteRedirectPayment"),
		zap.String("payment_id", in.PaymentID.String()),
	)

	if in.ProviderPaymentID == "" || in.PayerID == "" {
		return nil, payment.ErrMalformedCallback
	}

	exec, err := s.gateways.Executor(payment.MethodRedirectWallet)
	if err != nil {
		return nil, err
	}

	reader := s.store.Reader()
	p, err := reader.Payments.GetByID(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	o, err := reader.Orders.GetByID(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != in.BuyerID {
		return nil, payment.ErrPaymentNotFound
	}

	result := &ExecuteResult{OrderID: o.ID}
	if p.Status == payment.StatusCompleted {
		result.Succeeded = true
		result.Message = "Payment already completed."
		return result, nil
	}
	if p.Method != payment.MethodRedirectWallet || p.ProviderReference != in.ProviderPaymentID {
		log.Warn("execute does not match payment", zap.String("provider_payment_id", in.ProviderPaymentID))
		return nil, payment.ErrMalformedCallback
	}
	if p.Status != payment.StatusProcessing {
		return nil, payment.ErrPaymentClosed
	}

	outcome, err := exec.Execute(ctx, in.ProviderPaymentID, in.PayerID)
	if errors.Is(err, payment.ErrExecutionInFlight) {
		log.Info("execute already under way at provider, leaving payment processing")
		result.Pending = true
		result.Message = "Your payment is being confirmed. Please check back shortly."
		return result, nil
	}
	if err != nil {
		// The payer may still be charged; the attempt stays processing
		// until a retry or the expiry sweep settles it.
		log.Error("provider execute failed", zap.Error(err))
		return nil, err
	}

	raw := outcome.Raw
	if len(raw) == 0 {
		raw = []byte(in.ProviderPaymentID + ":" + in.PayerID)
	}
	cb := &payment.Callback{
		Provider:      exec.Provider(),
		EventID:       eventID(raw),
		CorrelationID: in.ProviderPaymentID,
		Payload:       raw,
	}
	if _, _, err := reader.Payments.SaveCallback(ctx, cb); err != nil {
		log.Error("failed to store execute response", zap.Error(err))
		return nil, err
	}

	res, err := s.applyOutcome(ctx, o.ID, p.ID, outcome)
	if err != nil {
		if markErr := reader.Payments.MarkCallbackFailed(ctx, cb.ID, err.Error()); markErr != nil {
			log.Error("failed to mark callback", zap.Error(markErr))
		}
		return nil, err
	}
	if err := reader.Payments.MarkCallbackProcessed(ctx, cb.ID); err != nil {
		log.Error("failed to mark callback processed", zap.Error(err))
	}

	result.Succeeded = outcome.Succeeded && res != ResolutionIgnored
	if result.Succeeded {
		result.Message = "Payment completed successfully!"
	} else {
		result.Message = "Payment was not approved. Please try again."
	}
	return result, nil
}

// CancelPayment abandons a payment attempt and releases the car when no
// other attempt holds it. The order stays pending so the buyer can retry.
func (s *service) CancelPayment(ctx context.Context, buyerID int64, paymentID uuid.UUID) (*payment.Payment, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "CancelPayment"),
		zap.String("payment_id", paymentID.String()),
	)

	var (
		cancelled *payment.Payment
		changed   bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r ledger.Repos) error {
		p, err := r.Payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		o, err := r.Orders.GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if o.BuyerID != buyerID {
			return payment.ErrPaymentNotFound
		}
		p, err = r.Payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		cancelled = p

		switch p.Status {
		case payment.StatusCompleted, payment.StatusRefunded:
			return payment.ErrPaymentCompleted
		case payment.StatusCancelled:
			return nil
		}

		if err := p.TransitionTo(payment.StatusCancelled, s.now()); err != nil {
			return err
		}
		if err := r.Payments.Update(ctx, p); err != nil {
			return err
		}
		changed = true
		return s.releaseIfIdle(ctx, r, o, p.ID)
	})
	if err != nil {
		log.Warn("cancel payment failed", zap.Error(err))
		return nil, err
	}
	if !changed {
		return cancelled, nil
	}

	log.Info("payment cancelled")
	s.invalidate(ctx, paymentID)
	s.publish(ctx, events.PaymentCancelled, cancelled.OrderID, map[string]any{
		"payment_id":     cancelled.ID,
		"transaction_id": cancelled.TransactionID,
	})
	return cancelled, nil
}

func eventID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
