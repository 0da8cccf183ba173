package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"carmarket-be/internal/car"
	"carmarket-be/internal/config"
	"carmarket-be/internal/events"
	"carmarket-be/internal/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	sellerID   int64 = 7
	buyerID    int64 = 42
	otherBuyer int64 = 43
	carID      int64 = 100
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// spyCache reads through to the ledger and records invalidations.
type spyCache struct {
	payment.Reader
	mu          sync.Mutex
	invalidated map[uuid.UUID]int
}

func (c *spyCache) Invalidate(_ context.Context, ids ...uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.invalidated[id]++
	}
	return nil
}

func (c *spyCache) times(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[id]
}

// fakePush is the M-Pesa gateway with the network call replaced. Phone
// validation and callback parsing are the real ones.
type fakePush struct {
	payment.CallbackParser

	mu         sync.Mutex
	calls      int
	err        error
	lastReq    payment.InitiateRequest
	onInitiate func(correlationID string)
}

func (f *fakePush) Initiate(_ context.Context, _ *payment.Payment, req payment.InitiateRequest) (*payment.PendingHandle, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	correlationID := fmt.Sprintf("ws_CO_0103202610000%d", f.calls)
	err, hook := f.err, f.onInitiate
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(correlationID)
	}
	return &payment.PendingHandle{
		CorrelationID: correlationID,
		Message:       "Payment request sent. Check your phone.",
		Response:      json.RawMessage(`{"CheckoutRequestID":"` + correlationID + `","ResponseCode":"0"}`),
	}, nil
}

func (f *fakePush) lastCorrelationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("ws_CO_0103202610000%d", f.calls)
}

// fakeWallet is the PayPal gateway with both network calls replaced.
type fakeWallet struct {
	payment.Executor

	mu         sync.Mutex
	lastReq    payment.InitiateRequest
	outcome    payment.Outcome
	executeErr error
	executed   int

	// When hold is set the first Execute signals entered and waits for hold
	// to close; later calls get the provider's already-done answer.
	hold    chan struct{}
	entered chan struct{}
}

func (f *fakeWallet) Initiate(_ context.Context, _ *payment.Payment, req payment.InitiateRequest) (*payment.PendingHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return &payment.PendingHandle{
		CorrelationID: "PAYID-NEW123",
		ApprovalURL:   "https://www.sandbox.paypal.com/cgi-bin/webscr?cmd=_express-checkout&token=EC-1",
		Response:      json.RawMessage(`{"id":"PAYID-NEW123","state":"created"}`),
	}, nil
}

func (f *fakeWallet) Execute(_ context.Context, providerPaymentID, payerID string) (*payment.Outcome, error) {
	f.mu.Lock()
	f.executed++
	n, hold := f.executed, f.hold
	f.mu.Unlock()
	if hold != nil {
		if n > 1 {
			return nil, payment.ErrExecutionInFlight
		}
		close(f.entered)
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	out := f.outcome
	out.CorrelationID = providerPaymentID
	if out.PayerID == "" {
		out.PayerID = payerID
	}
	return &out, nil
}

type fixture struct {
	store  *memStore
	push   *fakePush
	wallet *fakeWallet
	pub    *recordingPublisher
	cache  *spyCache
	clock  *testClock
	svc    Service
}

func testCar() car.Car {
	return car.Car{
		ID:        carID,
		SellerID:  sellerID,
		Title:     "Toyota Land Cruiser V8",
		Price:     decimal.NewFromInt(1000000),
		Status:    car.StatusActive,
		UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore(testCar())
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	push := &fakePush{CallbackParser: payment.NewMpesaGateway(config.MpesaConfig{
		ConsumerKey: "key",
		ShortCode:   "174379",
		CountryCode: "254",
	})}
	wallet := &fakeWallet{
		Executor: payment.NewPayPalGateway(config.PayPalConfig{ClientID: "client", Currency: "USD"}),
		outcome: payment.Outcome{
			Succeeded:   true,
			ReceiptCode: "SALE-9AB12345",
			PayerID:     "PAYER123",
			PayerEmail:  "buyer@example.com",
			Raw:         json.RawMessage(`{"id":"PAYID-NEW123","state":"approved"}`),
		},
	}
	pub := &recordingPublisher{}
	cache := &spyCache{Reader: store.Reader().Payments, invalidated: make(map[uuid.UUID]int)}

	svc := NewService(
		Config{
			FeePercent:     decimal.NewFromInt(5),
			Currency:       "KES",
			PaymentTimeout: 30 * time.Minute,
			PublicBaseURL:  "https://cars.example.com",
			SweepBatch:     10,
		},
		store,
		payment.NewRegistry(push, wallet),
		pub,
		cache,
		clock.now,
	)

	return &fixture{
		store:  store,
		push:   push,
		wallet: wallet,
		pub:    pub,
		cache:  cache,
		clock:  clock,
		svc:    svc,
	}
}

func (f *fixture) createOrder(t *testing.T, method payment.Method) *CheckoutResult {
	t.Helper()
	res, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		BuyerID: buyerID,
		CarID:   carID,
		Method:  method,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) initiatePush(t *testing.T, paymentID uuid.UUID) *InitiateResult {
	t.Helper()
	res, err := f.svc.InitiatePayment(context.Background(), InitiateInput{
		BuyerID:   buyerID,
		PaymentID: paymentID,
		Method:    payment.MethodMobileMoney,
		Phone:     "0712 345 678",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) initiateWallet(t *testing.T, paymentID uuid.UUID) *InitiateResult {
	t.Helper()
	res, err := f.svc.InitiatePayment(context.Background(), InitiateInput{
		BuyerID:   buyerID,
		PaymentID: paymentID,
		Method:    payment.MethodRedirectWallet,
	})
	require.NoError(t, err)
	return res
}

func stkSuccess(checkoutRequestID, receipt string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1050000},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, checkoutRequestID, receipt))
}

func stkFailure(checkoutRequestID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": %d,
				"ResultDesc": %q
			}
		}
	}`, checkoutRequestID, code, desc))
}

// requireSettledConsistently checks that a completed payment always sits on
// a completed order whose car is sold.
func requireSettledConsistently(t *testing.T, store *memStore, orderID uuid.UUID) {
	t.Helper()
	o := store.orderAt(orderID)
	for _, p := range store.paymentsFor(orderID) {
		if p.Status != payment.StatusCompleted {
			continue
		}
		require.Equal(t, "completed", string(o.Status))
		c := store.carAt(o.CarID)
		require.Equal(t, car.StatusSold, c.Status)
		require.True(t, c.HeldBy(orderID))
	}
}
