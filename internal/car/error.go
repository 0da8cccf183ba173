package car

import (
	"fmt"

	"carmarket-be/internal/apperr"
)

var (
	ErrCarNotFound       = fmt.Errorf("%w: car not found", apperr.ErrNotFound)
	ErrAlreadyReserved   = fmt.Errorf("%w: car is not available for reservation", apperr.ErrConflict)
	ErrInvalidState      = fmt.Errorf("%w: car is not in the expected state", apperr.ErrConflict)
	ErrIllegalTransition = fmt.Errorf("%w: illegal car status transition", apperr.ErrConflict)
)
