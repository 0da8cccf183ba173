package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const providerTimeout = 15 * time.Second

// InitiateRequest carries what a provider needs beyond the payment row.
type InitiateRequest struct {
	Phone       string
	OrderNumber string
	ItemName    string
	ItemSKU     string
	ReturnURL   string
	CancelURL   string
}

// PendingHandle is what a provider hands back once a payment is in flight.
type PendingHandle struct {
	CorrelationID string
	ApprovalURL   string
	Message       string
	Response      json.RawMessage
}

// Outcome is a provider's final answer for one payment, normalised across
// providers.
type Outcome struct {
	CorrelationID string
	Succeeded     bool
	ReceiptCode   string
	PayerID       string
	PayerEmail    string
	FailureReason string
	Raw           json.RawMessage
}

type Gateway interface {
	Method() Method
	// Validate checks and normalises req before any state is touched.
	Validate(req *InitiateRequest) error
	Initiate(ctx context.Context, p *Payment, req InitiateRequest) (*PendingHandle, error)
}

// CallbackParser is implemented by push-payment gateways whose outcome
// arrives as a provider-originated request.
type CallbackParser interface {
	Gateway
	Provider() string
	ParseCallback(body []byte) (*Outcome, error)
}

// Executor is implemented by redirect gateways whose outcome is fetched when
// the payer returns.
type Executor interface {
	Gateway
	Provider() string
	Execute(ctx context.Context, providerPaymentID, payerID string) (*Outcome, error)
}

type Registry struct {
	gateways map[Method]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Method]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

func (r *Registry) Get(m Method) (Gateway, error) {
	g, ok := r.gateways[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, m)
	}
	return g, nil
}

func (r *Registry) CallbackParser(m Method) (CallbackParser, error) {
	g, err := r.Get(m)
	if err != nil {
		return nil, err
	}
	p, ok := g.(CallbackParser)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no callbacks", ErrUnsupportedMethod, m)
	}
	return p, nil
}

func (r *Registry) Executor(m Method) (Executor, error) {
	g, err := r.Get(m)
	if err != nil {
		return nil, err
	}
	e, ok := g.(Executor)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be executed", ErrUnsupportedMethod, m)
	}
	return e, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: providerTimeout}
}
