package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"carmarket-be/internal/config"
	"carmarket-be/internal/logger"

	"go.uber.org/zap"
)

const mpesaProvider = "mpesa"

type mpesaGateway struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	nairobiLoc *time.Location
	now        func() time.Time
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// NewMpesaGateway returns the push-payment gateway backed by the Daraja STK
// push API.
func NewMpesaGateway(cfg config.MpesaConfig) CallbackParser {
	if cfg.ConsumerKey == "" || cfg.ShortCode == "" {
		logger.L().Warn("M-Pesa credentials are empty")
	}

	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		logger.L().Error("failed to load Nairobi location, defaulting to EAT offset", zap.Error(err))
		loc = time.FixedZone("EAT", 3*60*60)
	}

	return &mpesaGateway{
		cfg:        cfg,
		httpClient: newHTTPClient(),
		nairobiLoc: loc,
		now:        time.Now,
	}
}

func (m *mpesaGateway) Method() Method   { return MethodMobileMoney }
func (m *mpesaGateway) Provider() string { return mpesaProvider }

func (m *mpesaGateway) Validate(req *InitiateRequest) error {
	phone, err := NormalizePhone(req.Phone, m.cfg.CountryCode)
	if err != nil {
		return err
	}
	req.Phone = phone
	return nil
}

func (m *mpesaGateway) Initiate(ctx context.Context, p *Payment, req InitiateRequest) (*PendingHandle, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", mpesaProvider),
		zap.String("payment_id", p.ID.String()),
		zap.String("order_number", req.OrderNumber),
	)

	token, err := m.accessToken(ctx)
	if err != nil {
		log.Error("M-Pesa authentication failed", zap.Error(err))
		return nil, err
	}

	timestamp := m.now().In(m.nairobiLoc).Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(m.cfg.ShortCode + m.cfg.Passkey + timestamp))

	body := stkPushRequest{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            p.Amount.Ceil().IntPart(),
		PartyA:            req.Phone,
		PartyB:            m.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       m.cfg.CallbackURL,
		AccountReference:  req.OrderNumber,
		TransactionDesc:   "Payment for " + req.ItemName,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.STKPushURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	log.Info("sending STK push", zap.Int64("amount", body.Amount))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		log.Error("STK push request failed", zap.Error(err))
		return nil, &UpstreamError{Provider: mpesaProvider, Message: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read mpesa response: %w", err)
	}

	var res stkPushResponse
	_ = json.Unmarshal(bodyBytes, &res)

	if resp.StatusCode != http.StatusOK || res.ResponseCode != "0" || res.CheckoutRequestID == "" {
		msg := firstNonEmpty(res.ErrorMessage, res.ResponseDescription, "failed to initiate payment")
		log.Error("M-Pesa rejected STK push",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", bodyBytes),
		)
		return nil, &UpstreamError{Provider: mpesaProvider, Status: resp.StatusCode, Message: msg, Body: bodyBytes}
	}

	log.Info("STK push accepted", zap.String("checkout_request_id", res.CheckoutRequestID))

	return &PendingHandle{
		CorrelationID: res.CheckoutRequestID,
		Message:       "Payment request sent. Check your phone.",
		Response:      json.RawMessage(bodyBytes),
	}, nil
}

func (m *mpesaGateway) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.AuthURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.cfg.ConsumerKey, m.cfg.ConsumerSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &UpstreamError{Provider: mpesaProvider, Message: "failed to authenticate with M-Pesa: " + err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read mpesa auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{Provider: mpesaProvider, Status: resp.StatusCode, Message: "failed to authenticate with M-Pesa", Body: bodyBytes}
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(bodyBytes, &res); err != nil || res.AccessToken == "" {
		return "", &UpstreamError{Provider: mpesaProvider, Status: resp.StatusCode, Message: "M-Pesa returned no access token", Body: bodyBytes}
	}
	return res.AccessToken, nil
}

// ParseCallback reads an STK push result. ResultCode 0 is a success and
// carries the receipt in CallbackMetadata; anything else is a failure with
// ResultDesc as the reason.
func (m *mpesaGateway) ParseCallback(body []byte) (*Outcome, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}

	out := &Outcome{
		CorrelationID: cb.CheckoutRequestID,
		Raw:           json.RawMessage(body),
	}

	if *cb.ResultCode != 0 {
		out.FailureReason = firstNonEmpty(cb.ResultDesc, fmt.Sprintf("result code %d", *cb.ResultCode))
		return out, nil
	}

	out.Succeeded = true
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			out.ReceiptCode = metadataValue(item.Value)
		case "PhoneNumber":
			out.PayerID = metadataValue(item.Value)
		}
	}
	return out, nil
}

// metadataValue renders a callback item value, which the provider sends as
// either a JSON string or a bare number.
func metadataValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

