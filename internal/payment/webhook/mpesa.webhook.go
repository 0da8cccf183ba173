package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"carmarket-be/internal/apperr"
	"carmarket-be/internal/checkout"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/payment"
	"carmarket-be/internal/utils"

	"go.uber.org/zap"
)

const maxCallbackBytes = 1 << 20

// CallbackService is the part of the checkout service the webhook needs.
type CallbackService interface {
	HandlePushCallback(ctx context.Context, method payment.Method, body []byte) (checkout.Resolution, error)
}

// Ack is the acknowledgement body the provider expects. ResultCode 0 tells
// it to stop retrying.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type Handler struct {
	Svc CallbackService
}

func NewWebhookHandler(svc CallbackService) *Handler {
	return &Handler{Svc: svc}
}

// MpesaCallbackHandler receives STK push results. Unmatched or stale
// deliveries are acknowledged with ResultCode 1 and a 200 so the provider
// does not retry them forever; they stay in the callback log for
// reconciliation.
func (h *Handler) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	log := logger.FromCtx(r.Context()).With(
		zap.String("layer", "webhook"),
		zap.String("provider", "mpesa"),
	)

	if r.Method != http.MethodPost {
		utils.WriteJSON(w, http.StatusMethodNotAllowed, Ack{ResultCode: 1, ResultDesc: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		log.Warn("failed to read callback body", zap.Error(err))
		utils.WriteJSON(w, http.StatusBadRequest, Ack{ResultCode: 1, ResultDesc: "failed to read body"})
		return
	}
	defer r.Body.Close()

	resolution, err := h.Svc.HandlePushCallback(r.Context(), payment.MethodMobileMoney, body)
	switch {
	case err == nil:
		log.Info("callback handled", zap.String("resolution", string(resolution)))
		utils.WriteJSON(w, http.StatusOK, Ack{ResultCode: 0, ResultDesc: "Success"})

	case errors.Is(err, apperr.ErrNotFound):
		log.Warn("callback for unknown payment", zap.Error(err))
		utils.WriteJSON(w, http.StatusOK, Ack{ResultCode: 1, ResultDesc: "payment not found"})

	case errors.Is(err, apperr.ErrConflict):
		log.Warn("callback conflicts with payment state", zap.Error(err))
		utils.WriteJSON(w, http.StatusOK, Ack{ResultCode: 1, ResultDesc: apperr.Message(err)})

	case errors.Is(err, apperr.ErrValidation):
		log.Warn("malformed callback", zap.Error(err))
		utils.WriteJSON(w, http.StatusBadRequest, Ack{ResultCode: 1, ResultDesc: apperr.Message(err)})

	default:
		log.Error("callback processing failed", zap.Error(err))
		utils.WriteJSON(w, http.StatusInternalServerError, Ack{ResultCode: 1, ResultDesc: "internal error"})
	}
}
