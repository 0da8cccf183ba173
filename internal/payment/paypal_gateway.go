package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"carmarket-be/internal/config"
	"carmarket-be/internal/logger"

	"go.uber.org/zap"
)

const (
	paypalProvider = "paypal"

	stateApproved         = "approved"
	stateFailed           = "failed"
	errPaymentAlreadyDone = "PAYMENT_ALREADY_DONE"
)

type paypalGateway struct {
	cfg        config.PayPalConfig
	httpClient *http.Client
}

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type paypalPaymentResponse struct {
	ID    string       `json:"id"`
	State string       `json:"state"`
	Links []paypalLink `json:"links"`
	Payer struct {
		PayerInfo struct {
			PayerID string `json:"payer_id"`
			Email   string `json:"email"`
		} `json:"payer_info"`
	} `json:"payer"`
	Transactions []struct {
		RelatedResources []struct {
			Sale struct {
				ID string `json:"id"`
			} `json:"sale"`
		} `json:"related_resources"`
	} `json:"transactions"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// NewPayPalGateway returns the redirect-wallet gateway backed by the PayPal
// v1 payments API.
func NewPayPalGateway(cfg config.PayPalConfig) Executor {
	if cfg.ClientID == "" {
		logger.L().Warn("PayPal client id is empty")
	}
	return &paypalGateway{
		cfg:        cfg,
		httpClient: newHTTPClient(),
	}
}

func (g *paypalGateway) Method() Method   { return MethodRedirectWallet }
func (g *paypalGateway) Provider() string { return paypalProvider }

func (g *paypalGateway) Validate(req *InitiateRequest) error {
	if req.ReturnURL == "" || req.CancelURL == "" {
		return fmt.Errorf("%w: redirect urls are not configured", ErrUnsupportedMethod)
	}
	return nil
}

func (g *paypalGateway) Initiate(ctx context.Context, p *Payment, req InitiateRequest) (*PendingHandle, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", paypalProvider),
		zap.String("payment_id", p.ID.String()),
		zap.String("order_number", req.OrderNumber),
	)

	token, err := g.accessToken(ctx)
	if err != nil {
		log.Error("PayPal authentication failed", zap.Error(err))
		return nil, err
	}

	amount := p.Amount.StringFixed(2)
	body := map[string]interface{}{
		"intent": "sale",
		"payer": map[string]interface{}{
			"payment_method": "paypal",
		},
		"redirect_urls": map[string]interface{}{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
		"transactions": []map[string]interface{}{
			{
				"item_list": map[string]interface{}{
					"items": []map[string]interface{}{
						{
							"name":     req.ItemName,
							"sku":      req.ItemSKU,
							"price":    amount,
							"currency": g.cfg.Currency,
							"quantity": 1,
						},
					},
				},
				"amount": map[string]interface{}{
					"total":    amount,
					"currency": g.cfg.Currency,
				},
				"description":    "Payment for " + req.ItemName,
				"invoice_number": p.TransactionID,
			},
		},
	}

	res, bodyBytes, status, err := g.send(ctx, http.MethodPost, token, "/v1/payments/payment", body)
	if err != nil {
		log.Error("PayPal create request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		log.Error("PayPal rejected payment",
			zap.Int("status", status),
			zap.ByteString("response", bodyBytes),
		)
		return nil, &UpstreamError{
			Provider: paypalProvider,
			Status:   status,
			Message:  firstNonEmpty(res.Message, "failed to create PayPal payment"),
			Body:     bodyBytes,
		}
	}

	var approvalURL string
	for _, link := range res.Links {
		if link.Rel == "approval_url" {
			approvalURL = link.Href
			break
		}
	}
	if res.ID == "" || approvalURL == "" {
		return nil, &UpstreamError{Provider: paypalProvider, Status: status, Message: "PayPal returned no approval url", Body: bodyBytes}
	}

	log.Info("PayPal payment created", zap.String("paypal_payment_id", res.ID))

	return &PendingHandle{
		CorrelationID: res.ID,
		ApprovalURL:   approvalURL,
		Message:       "Redirecting to PayPal",
		Response:      json.RawMessage(bodyBytes),
	}, nil
}

// Execute captures a payment the payer approved on PayPal. A business
// rejection is a failed Outcome only once a lookup of the payment confirms it
// was not approved. An execute that lost the race to a concurrent one
// reports ErrExecutionInFlight. Transport and server failures are errors.
func (g *paypalGateway) Execute(ctx context.Context, providerPaymentID, payerID string) (*Outcome, error) {
	if providerPaymentID == "" || payerID == "" {
		return nil, fmt.Errorf("%w: payment id and payer id are required", ErrMalformedCallback)
	}

	log := logger.FromCtx(ctx).With(
		zap.String("provider", paypalProvider),
		zap.String("paypal_payment_id", providerPaymentID),
	)

	token, err := g.accessToken(ctx)
	if err != nil {
		log.Error("PayPal authentication failed", zap.Error(err))
		return nil, err
	}

	paymentPath := "/v1/payments/payment/" + url.PathEscape(providerPaymentID)
	res, bodyBytes, status, err := g.send(ctx, http.MethodPost, token, paymentPath+"/execute", map[string]string{"payer_id": payerID})
	if err != nil {
		log.Error("PayPal execute request failed", zap.Error(err))
		return nil, err
	}
	if status >= http.StatusInternalServerError {
		return nil, &UpstreamError{
			Provider: paypalProvider,
			Status:   status,
			Message:  firstNonEmpty(res.Message, "PayPal execute failed"),
			Body:     bodyBytes,
		}
	}
	if status == http.StatusOK && res.State == stateApproved {
		return approvedOutcome(providerPaymentID, payerID, res, bodyBytes), nil
	}

	log.Warn("PayPal execution not approved",
		zap.Int("status", status),
		zap.String("state", res.State),
		zap.String("name", res.Name),
	)

	current, currentBody, currentStatus, err := g.send(ctx, http.MethodGet, token, paymentPath, nil)
	if err != nil {
		log.Error("PayPal payment lookup failed", zap.Error(err))
		return nil, err
	}
	if currentStatus != http.StatusOK {
		return nil, &UpstreamError{
			Provider: paypalProvider,
			Status:   currentStatus,
			Message:  firstNonEmpty(current.Message, "PayPal payment lookup failed"),
			Body:     currentBody,
		}
	}

	switch {
	case current.State == stateApproved:
		log.Info("PayPal payment already approved")
		return approvedOutcome(providerPaymentID, payerID, current, currentBody), nil
	case current.State != stateFailed && res.Name == errPaymentAlreadyDone:
		return nil, ErrExecutionInFlight
	}

	return &Outcome{
		CorrelationID: providerPaymentID,
		PayerID:       payerID,
		FailureReason: firstNonEmpty(res.Message, res.Name, "payment execution failed"),
		Raw:           json.RawMessage(bodyBytes),
	}, nil
}

func approvedOutcome(providerPaymentID, payerID string, res *paypalPaymentResponse, body []byte) *Outcome {
	out := &Outcome{
		CorrelationID: providerPaymentID,
		Succeeded:     true,
		PayerID:       payerID,
		PayerEmail:    res.Payer.PayerInfo.Email,
		Raw:           json.RawMessage(body),
	}
	if res.Payer.PayerInfo.PayerID != "" {
		out.PayerID = res.Payer.PayerInfo.PayerID
	}
	for _, tx := range res.Transactions {
		for _, rr := range tx.RelatedResources {
			if rr.Sale.ID != "" {
				out.ReceiptCode = rr.Sale.ID
			}
		}
	}
	return out
}

func (g *paypalGateway) accessToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &UpstreamError{Provider: paypalProvider, Message: "failed to authenticate with PayPal: " + err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read paypal auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{Provider: paypalProvider, Status: resp.StatusCode, Message: "failed to authenticate with PayPal", Body: bodyBytes}
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(bodyBytes, &res); err != nil || res.AccessToken == "" {
		return "", &UpstreamError{Provider: paypalProvider, Status: resp.StatusCode, Message: "PayPal returned no access token", Body: bodyBytes}
	}
	return res.AccessToken, nil
}

func (g *paypalGateway) send(ctx context.Context, method, token, path string, body any) (*paypalPaymentResponse, []byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, 0, err
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, nil, 0, &UpstreamError{Provider: paypalProvider, Message: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, resp.StatusCode, fmt.Errorf("failed to read paypal response: %w", err)
	}

	var res paypalPaymentResponse
	_ = json.Unmarshal(bodyBytes, &res)
	return &res, bodyBytes, resp.StatusCode, nil
}
