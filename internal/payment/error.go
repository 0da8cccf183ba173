package payment

import (
	"errors"
	"fmt"

	"carmarket-be/internal/apperr"
)

var (
	ErrPaymentNotFound   = fmt.Errorf("%w: payment not found", apperr.ErrNotFound)
	ErrInvalidPhone      = fmt.Errorf("%w: invalid phone number", apperr.ErrValidation)
	ErrMalformedCallback = fmt.Errorf("%w: malformed provider callback", apperr.ErrValidation)
	ErrUnsupportedMethod = fmt.Errorf("%w: unsupported payment method", apperr.ErrValidation)
	ErrPaymentCompleted  = fmt.Errorf("%w: payment already completed", apperr.ErrConflict)
	ErrPaymentInProgress = fmt.Errorf("%w: payment is already being processed", apperr.ErrConflict)
	ErrPaymentClosed     = fmt.Errorf("%w: payment can no longer be changed", apperr.ErrConflict)
	ErrIllegalTransition = fmt.Errorf("%w: illegal payment status transition", apperr.ErrConflict)
	ErrExecutionInFlight = fmt.Errorf("%w: payment is still being confirmed", apperr.ErrConflict)
)

func illegalTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// UpstreamError carries a provider's rejection. Status is the HTTP status the
// provider answered with, zero for transport failures.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
	Body     []byte
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (%d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *UpstreamError) Is(target error) bool {
	return target == apperr.ErrUpstream
}

// FailureReason extracts the text worth persisting on a failed payment.
func FailureReason(err error) string {
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Message
	}
	return err.Error()
}
