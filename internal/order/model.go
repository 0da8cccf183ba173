package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusCancelled},
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

type Order struct {
	ID          uuid.UUID       `json:"id"`
	OrderNumber string          `json:"order_number"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	CarID       int64           `json:"car_id"`
	CarPrice    decimal.Decimal `json:"car_price"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`
	BuyerNote   string          `json:"buyer_note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TransitionTo moves the order to next, stamping completed_at on completion.
func (o *Order) TransitionTo(next Status, at time.Time) error {
	if !CanTransition(o.Status, next) {
		return illegalTransition(o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = at
	if next == StatusCompleted {
		o.CompletedAt = &at
	}
	return nil
}
