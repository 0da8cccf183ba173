package car

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusReserved Status = "reserved"
	StatusRejected Status = "rejected"
)

// transitions lists every legal listing move. Moderation moves
// (draft/pending/rejected) are driven by the listing admin; checkout only
// ever uses active, reserved and sold.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusPending},
	StatusPending:  {StatusActive, StatusRejected},
	StatusRejected: {StatusPending},
	StatusActive:   {StatusReserved, StatusDraft},
	StatusReserved: {StatusActive, StatusSold},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Car struct {
	ID            int64
	SellerID      int64
	Title         string
	Price         decimal.Decimal
	Status        Status
	HolderOrderID *uuid.UUID
	SoldAt        *time.Time
	UpdatedAt     time.Time
}

// HeldBy reports whether the car's current reservation or sale belongs to orderID.
func (c *Car) HeldBy(orderID uuid.UUID) bool {
	return c.HolderOrderID != nil && *c.HolderOrderID == orderID
}
