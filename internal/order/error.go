package order

import (
	"fmt"

	"carmarket-be/internal/apperr"
)

var (
	ErrOrderNotFound        = fmt.Errorf("%w: order not found", apperr.ErrNotFound)
	ErrSelfPurchase         = fmt.Errorf("%w: you cannot purchase your own car", apperr.ErrValidation)
	ErrInvalidDeliveryFee   = fmt.Errorf("%w: delivery fee must not be negative", apperr.ErrValidation)
	ErrNotPending           = fmt.Errorf("%w: order is no longer awaiting payment", apperr.ErrConflict)
	ErrIllegalTransition    = fmt.Errorf("%w: illegal order status transition", apperr.ErrConflict)
	ErrDuplicateOrderNumber = fmt.Errorf("%w: duplicate order number", apperr.ErrConflict)
)

func illegalTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
