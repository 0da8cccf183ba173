package payment

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"carmarket-be/internal/db"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	// GetForUpdate locks the payment row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)
	// GetByProviderReference finds the payment a provider correlation id
	// belongs to. It does not lock; callers lock the order first and then
	// re-read the payment with GetForUpdate.
	GetByProviderReference(ctx context.Context, method Method, ref string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Payment, error)
	HasActiveAttempt(ctx context.Context, orderID uuid.UUID) (bool, error)
	Update(ctx context.Context, p *Payment) error

	SaveCallback(ctx context.Context, cb *Callback) (callbackID int64, alreadyProcessed bool, err error)
	// ListUnprocessedCallbacks returns deliveries for a correlation id that
	// have not been applied yet, oldest first.
	ListUnprocessedCallbacks(ctx context.Context, provider, correlationID string) ([]*Callback, error)
	MarkCallbackProcessed(ctx context.Context, callbackID int64) error
	MarkCallbackFailed(ctx context.Context, callbackID int64, reason string) error
}

type repository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) Repository {
	return &repository{db: conn}
}

const paymentColumns = `
	id, transaction_id, order_id, payment_method, status, amount, currency,
	provider_reference, receipt_code, payer_id, payer_email, phone,
	card_last4, card_brand, response_data, failure_reason,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p           Payment
		response    []byte
		completedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.OrderID, &p.Method, &p.Status, &p.Amount, &p.Currency,
		&p.ProviderReference, &p.ReceiptCode, &p.PayerID, &p.PayerEmail, &p.Phone,
		&p.CardLast4, &p.CardBrand, &response, &p.FailureReason,
		&p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(response) > 0 {
		p.ResponseData = response
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

// responseValue keeps an empty payload NULL rather than an invalid JSONB
// literal. JSONB rejects invalid UTF-8, so stray bytes become U+FFFD; the
// untouched delivery lives in payment_callbacks.
func responseValue(p *Payment) any {
	if len(p.ResponseData) == 0 {
		return nil
	}
	return bytes.ToValidUTF8(p.ResponseData, []byte("\uFFFD"))
}

func (r *repository) Create(ctx context.Context, p *Payment) error {
	const q = `
		INSERT INTO payments (
			id, transaction_id, order_id, payment_method, status, amount, currency,
			provider_reference, receipt_code, payer_id, payer_email, phone,
			card_last4, card_brand, response_data, failure_reason,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`

	_, err := r.db.ExecContext(ctx, q,
		p.ID, p.TransactionID, p.OrderID, p.Method, p.Status, p.Amount, p.Currency,
		p.ProviderReference, p.ReceiptCode, p.PayerID, p.PayerEmail, p.Phone,
		p.CardLast4, p.CardBrand, responseValue(p), p.FailureReason,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) GetByProviderReference(ctx context.Context, method Method, ref string) (*Payment, error) {
	if ref == "" {
		return nil, ErrPaymentNotFound
	}
	return r.get(ctx, `SELECT `+paymentColumns+`
		FROM payments
		WHERE payment_method = $1 AND provider_reference = $2`, method, ref)
}

func (r *repository) get(ctx context.Context, q string, args ...any) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Payment, error) {
	q := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// HasActiveAttempt reports whether the order already has a payment that is
// processing or completed. At most one such attempt may exist per order.
func (r *repository) HasActiveAttempt(ctx context.Context, orderID uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE order_id = $1 AND status = ANY($2)
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, q, orderID,
		pq.Array([]string{string(StatusProcessing), string(StatusCompleted)}),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active payment: %w", err)
	}
	return exists, nil
}

func (r *repository) Update(ctx context.Context, p *Payment) error {
	const q = `
		UPDATE payments
		SET status = $1,
			provider_reference = $2,
			receipt_code = $3,
			payer_id = $4,
			payer_email = $5,
			phone = $6,
			response_data = $7,
			failure_reason = $8,
			updated_at = $9,
			completed_at = $10
		WHERE id = $11
	`

	res, err := r.db.ExecContext(ctx, q,
		p.Status, p.ProviderReference, p.ReceiptCode, p.PayerID, p.PayerEmail, p.Phone,
		responseValue(p), p.FailureReason, p.UpdatedAt, p.CompletedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// SaveCallback records a provider delivery byte for byte. A redelivery of the same event
// bumps its attempt counter and reports whether an earlier delivery was
// already applied.
func (r *repository) SaveCallback(ctx context.Context, cb *Callback) (int64, bool, error) {
	const q = `
	INSERT INTO payment_callbacks (
		provider,
		event_id,
		correlation_id,
		payload
	)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (provider, event_id)
	DO UPDATE SET attempts = payment_callbacks.attempts + 1
	RETURNING id, processed_at IS NOT NULL;
	`

	var (
		id        int64
		processed bool
	)
	err := r.db.QueryRowContext(ctx, q,
		cb.Provider,
		cb.EventID,
		cb.CorrelationID,
		cb.Payload,
	).Scan(&id, &processed)
	if err != nil {
		return 0, false, fmt.Errorf("save callback: %w", err)
	}

	cb.ID = id
	return id, processed, nil
}

func (r *repository) ListUnprocessedCallbacks(ctx context.Context, provider, correlationID string) ([]*Callback, error) {
	const q = `
	SELECT id, provider, event_id, correlation_id, payload
	FROM payment_callbacks
	WHERE provider = $1 AND correlation_id = $2 AND processed_at IS NULL
	ORDER BY id;
	`

	rows, err := r.db.QueryContext(ctx, q, provider, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks: %w", err)
	}
	defer rows.Close()

	var callbacks []*Callback
	for rows.Next() {
		var cb Callback
		if err := rows.Scan(&cb.ID, &cb.Provider, &cb.EventID, &cb.CorrelationID, &cb.Payload); err != nil {
			return nil, err
		}
		callbacks = append(callbacks, &cb)
	}
	return callbacks, rows.Err()
}

func (r *repository) MarkCallbackProcessed(ctx context.Context, callbackID int64) error {
	const q = `
	UPDATE payment_callbacks
	SET processed_at = now(), process_error = NULL
	WHERE id = $1;
	`

	_, err := r.db.ExecContext(ctx, q, callbackID)
	return err
}

func (r *repository) MarkCallbackFailed(ctx context.Context, callbackID int64, reason string) error {
	const q = `
	UPDATE payment_callbacks
	SET process_error = $2
	WHERE id = $1;
	`

	_, err := r.db.ExecContext(ctx, q, callbackID, reason)
	return err
}
