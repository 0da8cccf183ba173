package payment

import (
	"encoding/json"
	"time"

	"carmarket-be/internal/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Method string

const (
	MethodMobileMoney    Method = "mobile_money"
	MethodRedirectWallet Method = "redirect_wallet"
	MethodCard           Method = "card"
	MethodBankTransfer   Method = "bank_transfer"
	MethodCash           Method = "cash"
)

func (m Method) Valid() bool {
	switch m {
	case MethodMobileMoney, MethodRedirectWallet, MethodCard, MethodBankTransfer, MethodCash:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusCancelled},
	StatusCompleted:  {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsOpen reports whether a payment in s still holds the car for its order.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusProcessing
}

type Payment struct {
	ID                uuid.UUID       `json:"id"`
	TransactionID     string          `json:"transaction_id"`
	OrderID           uuid.UUID       `json:"order_id"`
	Method            Method          `json:"payment_method"`
	Status            Status          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	ReceiptCode       string          `json:"receipt_code,omitempty"`
	PayerID           string          `json:"payer_id,omitempty"`
	PayerEmail        string          `json:"payer_email,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	CardLast4         string          `json:"card_last4,omitempty"`
	CardBrand         string          `json:"card_brand,omitempty"`
	ResponseData      json.RawMessage `json:"-"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

func New(orderID uuid.UUID, method Method, amount decimal.Decimal, currency string, now time.Time) *Payment {
	return &Payment{
		ID:            uuid.New(),
		TransactionID: utils.GenerateReference("TXN", 12),
		OrderID:       orderID,
		Method:        method,
		Status:        StatusPending,
		Amount:        amount,
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TransitionTo moves the payment to next, stamping completed_at on completion.
func (p *Payment) TransitionTo(next Status, at time.Time) error {
	if !CanTransition(p.Status, next) {
		return illegalTransition(p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = at
	if next == StatusCompleted {
		p.CompletedAt = &at
	}
	return nil
}

// Callback is one provider-originated delivery, stored verbatim before it is
// applied.
type Callback struct {
	ID            int64
	Provider      string
	EventID       string
	CorrelationID string
	Payload       []byte
}
