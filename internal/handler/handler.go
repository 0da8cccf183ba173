// Package handler exposes the checkout service to the storefront over
// JSON and browser redirects.
package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"carmarket-be/internal/apperr"
	"carmarket-be/internal/checkout"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/payment"
	"carmarket-be/internal/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	svc         checkout.Service
	frontendURL string
}

func NewHandler(svc checkout.Service, frontendURL string) *Handler {
	return &Handler{svc: svc, frontendURL: frontendURL}
}

// Register mounts every buyer endpoint on mux behind protect.
func (h *Handler) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, protect(fn))
	}

	route("POST /orders", h.CreateOrder)
	route("GET /orders", h.ListOrders)
	route("GET /orders/{id}", h.GetOrder)
	route("POST /orders/{id}/cancel", h.CancelOrder)

	route("GET /payments/{id}", h.GetPayment)
	route("POST /payments/{id}/mobile-money", h.InitiateMobileMoney)
	route("POST /payments/{id}/wallet", h.InitiateWallet)
	route("GET /payments/{id}/wallet/execute", h.ExecuteWallet)
	route("GET /payments/{id}/wallet/cancel", h.CancelWallet)
}

type createOrderRequest struct {
	CarID         int64           `json:"car_id"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	BuyerNote     string          `json:"buyer_note"`
	PaymentMethod payment.Method  `json:"payment_method"`
}

type mobileMoneyRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type initiateResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ApprovalURL   string `json:"approval_url,omitempty"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CarID <= 0 {
		utils.WriteJSONError(w, "car_id is required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.CreateOrder(r.Context(), checkout.CreateOrderInput{
		BuyerID:     buyerID,
		CarID:       req.CarID,
		DeliveryFee: req.DeliveryFee,
		Note:        req.BuyerNote,
		Method:      req.PaymentMethod,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	limit := queryInt32(r, "limit", 20)
	offset := queryInt32(r, "offset", 0)

	orders, err := h.svc.ListOrders(r.Context(), buyerID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	detail, err := h.svc.GetOrder(r.Context(), buyerID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, detail)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	o, err := h.svc.CancelOrder(r.Context(), buyerID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	detail, err := h.svc.GetPayment(r.Context(), buyerID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, detail)
}

func (h *Handler) InitiateMobileMoney(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req mobileMoneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
		utils.WriteJSONError(w, "phone_number is required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.InitiatePayment(r.Context(), checkout.InitiateInput{
		BuyerID:   buyerID,
		PaymentID: id,
		Method:    payment.MethodMobileMoney,
		Phone:     req.PhoneNumber,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, initiateResponse{
		Success:       true,
		Message:       res.Message,
		CorrelationID: res.CorrelationID,
	})
}

func (h *Handler) InitiateWallet(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := h.svc.InitiatePayment(r.Context(), checkout.InitiateInput{
		BuyerID:   buyerID,
		PaymentID: id,
		Method:    payment.MethodRedirectWallet,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, initiateResponse{
		Success:     true,
		ApprovalURL: res.ApprovalURL,
	})
}

// ExecuteWallet is where the provider sends the payer back after approval.
// The outcome is shown on the storefront through a flash message.
func (h *Handler) ExecuteWallet(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.redirect(w, r, "/orders", "Payment not found.")
		return
	}

	q := r.URL.Query()
	res, err := h.svc.ExecuteRedirectPayment(r.Context(), checkout.ExecuteInput{
		BuyerID:           buyerID,
		PaymentID:         id,
		ProviderPaymentID: firstParam(q, "payment_id", "paymentId"),
		PayerID:           firstParam(q, "payer_id", "PayerID"),
	})
	if err != nil {
		logger.FromCtx(r.Context()).Warn("wallet execute failed",
			zap.String("payment_id", id.String()),
			zap.Error(err),
		)
		h.redirect(w, r, h.paymentPage(r, buyerID, id), "Payment could not be completed: "+apperr.Message(err))
		return
	}

	if res.Succeeded {
		h.redirect(w, r, "/orders/"+res.OrderID.String()+"/success", res.Message)
		return
	}
	h.redirect(w, r, "/orders/"+res.OrderID.String()+"/payment", res.Message)
}

// CancelWallet is where the provider sends the payer who abandons approval.
func (h *Handler) CancelWallet(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := utils.GetUserIDFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.redirect(w, r, "/orders", "Payment not found.")
		return
	}

	p, err := h.svc.CancelPayment(r.Context(), buyerID, id)
	if err != nil {
		h.redirect(w, r, h.paymentPage(r, buyerID, id), apperr.Message(err))
		return
	}
	h.redirect(w, r, "/orders/"+p.OrderID.String()+"/payment", "Payment was cancelled.")
}

// paymentPage finds the storefront page for a payment's order, falling back
// to the order list.
func (h *Handler) paymentPage(r *http.Request, buyerID int64, paymentID uuid.UUID) string {
	detail, err := h.svc.GetPayment(r.Context(), buyerID, paymentID)
	if err != nil {
		return "/orders"
	}
	return "/orders/" + detail.Payment.OrderID.String() + "/payment"
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path, flash string) {
	target := h.frontendURL + path
	if flash != "" {
		target += "?" + url.Values{"flash": {flash}}.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	log := logger.FromCtx(r.Context()).With(
		zap.String("layer", "handler"),
		zap.String("path", r.URL.Path),
	)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	utils.WriteJSONError(w, apperr.Message(err), status)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		utils.WriteJSONError(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt32(r *http.Request, key string, fallback int32) int32 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 32)
	if err != nil {
		return fallback
	}
	return int32(v)
}

func firstParam(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
