package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"carmarket-be/internal/apperr"
	"carmarket-be/internal/car"
	"carmarket-be/internal/events"
	"carmarket-be/internal/order"
	"carmarket-be/internal/payment"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPayment_SuccessSellsCar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, payment.MethodMobileMoney)
	assert.Equal(t, car.StatusReserved, f.store.carAt(carID).Status)

	init := f.initiatePush(t, res.Payment.ID)

	assert.Equal(t, "Payment request sent. Check your phone.", init.Message)
	assert.NotEmpty(t, init.CorrelationID)
	p := f.store.paymentAt(res.Payment.ID)
	assert.Equal(t, payment.StatusProcessing, p.Status)
	assert.Equal(t, "254712345678", p.Phone)
	assert.Equal(t, init.CorrelationID, p.ProviderReference)
	assert.JSONEq(t, `{"CheckoutRequestID":"`+init.CorrelationID+`","ResponseCode":"0"}`, string(p.ResponseData))
	assert.Equal(t, res.Order.OrderNumber, f.push.lastReq.OrderNumber)
	assert.Equal(t, "Toyota Land Cruiser V8", f.push.lastReq.ItemName)
	assert.Equal(t, order.StatusPending, f.store.orderAt(res.Order.ID).Status)

	resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B3"))

	require.NoError(t, err)
	assert.Equal(t, ResolutionApplied, resolution)

	p = f.store.paymentAt(res.Payment.ID)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, "QA12B3", p.ReceiptCode)
	assert.Equal(t, "254712345678", p.PayerID)
	require.NotNil(t, p.CompletedAt)

	o := f.store.orderAt(res.Order.ID)
	assert.Equal(t, order.StatusCompleted, o.Status)
	require.NotNil(t, o.CompletedAt)

	c := f.store.carAt(carID)
	assert.Equal(t, car.StatusSold, c.Status)
	require.NotNil(t, c.SoldAt)

	requireSettledConsistently(t, f.store, res.Order.ID)
	assert.Equal(t, 1, f.pub.count(events.PaymentCompleted))
	assert.GreaterOrEqual(t, f.cache.times(res.Payment.ID), 3)

	cbs := f.store.callbacks()
	require.Len(t, cbs, 1)
	assert.True(t, cbs[0].processed)
	assert.Equal(t, init.CorrelationID, cbs[0].CorrelationID)
}

func TestPushPayment_DuplicateSuccessIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, "")
	init := f.initiatePush(t, res.Payment.ID)
	body := stkSuccess(init.CorrelationID, "QA12B3")

	_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, body)
	require.NoError(t, err)
	first := f.store.paymentAt(res.Payment.ID)

	f.clock.advance(5 * time.Minute)

	t.Run("SameDelivery", func(t *testing.T) {
		resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, body)
		require.NoError(t, err)
		assert.Equal(t, ResolutionDuplicate, resolution)

		cbs := f.store.callbacks()
		require.Len(t, cbs, 1)
		assert.Equal(t, 2, cbs[0].attempts)
	})

	t.Run("DifferentDeliverySameCorrelation", func(t *testing.T) {
		resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B4"))
		require.NoError(t, err)
		assert.Equal(t, ResolutionDuplicate, resolution)
	})

	again := f.store.paymentAt(res.Payment.ID)
	assert.Equal(t, first.CompletedAt, again.CompletedAt)
	assert.Equal(t, "QA12B3", again.ReceiptCode)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, *f.store.orderAt(res.Order.ID).CompletedAt, *first.CompletedAt)
	assert.Equal(t, 1, f.pub.count(events.PaymentCompleted))
}

func TestPushPayment_ConcurrentDuplicateCallbacks(t *testing.T) {
	f := newFixture(t)
	res := f.createOrder(t, "")
	init := f.initiatePush(t, res.Payment.ID)
	body := stkSuccess(init.CorrelationID, "QA12B3")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandlePushCallback(context.Background(), payment.MethodMobileMoney, body)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, payment.StatusCompleted, f.store.paymentAt(res.Payment.ID).Status)
	assert.Equal(t, 1, f.pub.count(events.PaymentCompleted))
	requireSettledConsistently(t, f.store, res.Order.ID)
}

func TestPushPayment_FailureReleasesCar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, "")
	init := f.initiatePush(t, res.Payment.ID)

	resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney,
		stkFailure(init.CorrelationID, 1032, "Request cancelled by user"))

	require.NoError(t, err)
	assert.Equal(t, ResolutionApplied, resolution)

	p := f.store.paymentAt(res.Payment.ID)
	assert.Equal(t, payment.StatusFailed, p.Status)
	assert.Equal(t, "Request cancelled by user", p.FailureReason)
	assert.Nil(t, p.CompletedAt)
	assert.Equal(t, order.StatusPending, f.store.orderAt(res.Order.ID).Status)
	assert.Equal(t, car.StatusActive, f.store.carAt(carID).Status)
	assert.Equal(t, 1, f.pub.count(events.PaymentFailed))

	t.Run("DuplicateFailure", func(t *testing.T) {
		resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney,
			stkFailure(init.CorrelationID, 1037, "DS timeout user cannot be reached"))
		require.NoError(t, err)
		assert.Equal(t, ResolutionDuplicate, resolution)
		assert.Equal(t, "Request cancelled by user", f.store.paymentAt(res.Payment.ID).FailureReason)
	})

	t.Run("LateSuccessIsNotApplied", func(t *testing.T) {
		resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B3"))
		require.NoError(t, err)
		assert.Equal(t, ResolutionIgnored, resolution)
		assert.Equal(t, payment.StatusFailed, f.store.paymentAt(res.Payment.ID).Status)
		assert.Equal(t, car.StatusActive, f.store.carAt(carID).Status)
	})
}

func TestPushPayment_FailureAfterSuccessDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, "")
	init := f.initiatePush(t, res.Payment.ID)
	_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B3"))
	require.NoError(t, err)

	resolution, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkFailure(init.CorrelationID, 1, "Insufficient funds"))

	require.NoError(t, err)
	assert.Equal(t, ResolutionIgnored, resolution)
	assert.Equal(t, payment.StatusCompleted, f.store.paymentAt(res.Payment.ID).Status)
	assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
	requireSettledConsistently(t, f.store, res.Order.ID)
}

func TestPushPayment_UnmatchedAndMalformedCallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownCorrelationID", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")
		f.initiatePush(t, res.Payment.ID)

		_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess("ws_CO_UNKNOWN", "QA12B3"))

		assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Equal(t, payment.StatusProcessing, f.store.paymentAt(res.Payment.ID).Status)
		assert.Equal(t, car.StatusReserved, f.store.carAt(carID).Status)

		cbs := f.store.callbacks()
		require.Len(t, cbs, 1)
		assert.False(t, cbs[0].processed)
		assert.NotEmpty(t, cbs[0].lastError)
	})

	t.Run("Malformed", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, []byte(`{"Body":{}}`))

		assert.ErrorIs(t, err, payment.ErrMalformedCallback)
		cbs := f.store.callbacks()
		require.Len(t, cbs, 1)
		assert.Equal(t, `{"Body":{}}`, string(cbs[0].Payload))
		assert.NotEmpty(t, cbs[0].lastError)
	})

	t.Run("MethodWithoutCallbacks", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.HandlePushCallback(ctx, payment.MethodRedirectWallet, stkSuccess("x", "y"))

		assert.ErrorIs(t, err, payment.ErrUnsupportedMethod)
		assert.Empty(t, f.store.callbacks())
	})
}

func TestPushPayment_EarlyCallbackIsReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, "")

	var earlyErr error
	f.push.onInitiate = func(correlationID string) {
		_, earlyErr = f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(correlationID, "QA12B3"))
	}

	f.initiatePush(t, res.Payment.ID)

	assert.ErrorIs(t, earlyErr, payment.ErrPaymentNotFound)
	assert.Equal(t, payment.StatusCompleted, f.store.paymentAt(res.Payment.ID).Status)
	assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
	cbs := f.store.callbacks()
	require.Len(t, cbs, 1)
	assert.True(t, cbs[0].processed)
}

func TestInitiatePayment_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidPhoneMutatesNothing", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")

		_, err := f.svc.InitiatePayment(ctx, InitiateInput{
			BuyerID:   buyerID,
			PaymentID: res.Payment.ID,
			Method:    payment.MethodMobileMoney,
			Phone:     "12345",
		})

		assert.ErrorIs(t, err, payment.ErrInvalidPhone)
		assert.Equal(t, payment.StatusPending, f.store.paymentAt(res.Payment.ID).Status)
		assert.Zero(t, f.push.calls)
	})

	t.Run("UnsupportedMethod", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")

		_, err := f.svc.InitiatePayment(ctx, InitiateInput{
			BuyerID:   buyerID,
			PaymentID: res.Payment.ID,
			Method:    payment.MethodCash,
		})

		assert.ErrorIs(t, err, payment.ErrUnsupportedMethod)
	})

	t.Run("AnotherBuyersPayment", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")

		_, err := f.svc.InitiatePayment(ctx, InitiateInput{
			BuyerID:   otherBuyer,
			PaymentID: res.Payment.ID,
			Method:    payment.MethodMobileMoney,
			Phone:     "0712345678",
		})

		assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
		assert.Zero(t, f.push.calls)
	})

	t.Run("AlreadyProcessing", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")
		f.initiatePush(t, res.Payment.ID)

		_, err := f.svc.InitiatePayment(ctx, InitiateInput{
			BuyerID:   buyerID,
			PaymentID: res.Payment.ID,
			Method:    payment.MethodMobileMoney,
			Phone:     "0712345678",
		})

		assert.ErrorIs(t, err, payment.ErrPaymentInProgress)
		assert.Equal(t, 1, f.push.calls)
	})

	t.Run("CompletedOrder", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")
		init := f.initiatePush(t, res.Payment.ID)
		_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B3"))
		require.NoError(t, err)

		_, err = f.svc.InitiatePayment(ctx, InitiateInput{
			BuyerID:   buyerID,
			PaymentID: res.Payment.ID,
			Method:    payment.MethodMobileMoney,
			Phone:     "0712345678",
		})

		assert.ErrorIs(t, err, order.ErrNotPending)
	})
}

func TestInitiatePayment_ProviderRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, "")
	f.push.err = &payment.UpstreamError{
		Provider: "mpesa",
		Status:   400,
		Message:  "Invalid Access Token",
		Body:     []byte(`{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`),
	}

	_, err := f.svc.InitiatePayment(ctx, InitiateInput{
		BuyerID:   buyerID,
		PaymentID: res.Payment.ID,
		Method:    payment.MethodMobileMoney,
		Phone:     "+254 712 345 678",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)

	p := f.store.paymentAt(res.Payment.ID)
	assert.Equal(t, payment.StatusFailed, p.Status)
	assert.Equal(t, "Invalid Access Token", p.FailureReason)
	assert.JSONEq(t, `{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`, string(p.ResponseData))
	assert.Equal(t, order.StatusPending, f.store.orderAt(res.Order.ID).Status)
	assert.Equal(t, car.StatusActive, f.store.carAt(carID).Status)
	assert.Equal(t, 1, f.pub.count(events.PaymentFailed))

	t.Run("RetryOpensNewAttempt", func(t *testing.T) {
		f.push.err = nil

		init := f.initiatePush(t, res.Payment.ID)

		assert.NotEqual(t, res.Payment.ID, init.Payment.ID)
		assert.Equal(t, payment.StatusProcessing, init.Payment.Status)
		assert.Equal(t, payment.StatusFailed, f.store.paymentAt(res.Payment.ID).Status)
		assert.Len(t, f.store.paymentsFor(res.Order.ID), 2)

		c := f.store.carAt(carID)
		assert.Equal(t, car.StatusReserved, c.Status)
		assert.True(t, c.HeldBy(res.Order.ID))

		_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B3"))
		require.NoError(t, err)
		assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
		requireSettledConsistently(t, f.store, res.Order.ID)
	})
}

func TestInitiatePayment_RetryAfterCarTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.createOrder(t, "")
	init := f.initiatePush(t, res.Payment.ID)
	_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkFailure(init.CorrelationID, 1, "Insufficient funds"))
	require.NoError(t, err)
	require.Equal(t, car.StatusActive, f.store.carAt(carID).Status)

	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{BuyerID: otherBuyer, CarID: carID})
	require.NoError(t, err)

	_, err = f.svc.InitiatePayment(ctx, InitiateInput{
		BuyerID:   buyerID,
		PaymentID: res.Payment.ID,
		Method:    payment.MethodMobileMoney,
		Phone:     "0712345678",
	})

	assert.ErrorIs(t, err, car.ErrAlreadyReserved)
	assert.Len(t, f.store.paymentsFor(res.Order.ID), 1)
}

func TestRedirectWallet_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("ApprovedSellsCar", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, payment.MethodRedirectWallet)

		init := f.initiateWallet(t, res.Payment.ID)

		assert.Contains(t, init.ApprovalURL, "paypal.com")
		assert.Equal(t, "https://cars.example.com/payments/"+res.Payment.ID.String()+"/wallet/execute", f.wallet.lastReq.ReturnURL)
		assert.Equal(t, "https://cars.example.com/payments/"+res.Payment.ID.String()+"/wallet/cancel", f.wallet.lastReq.CancelURL)
		assert.Equal(t, "100", f.wallet.lastReq.ItemSKU)

		out, err := f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{
			BuyerID:           buyerID,
			PaymentID:         res.Payment.ID,
			ProviderPaymentID: "PAYID-NEW123",
			PayerID:           "PAYER123",
		})

		require.NoError(t, err)
		assert.True(t, out.Succeeded)
		assert.Equal(t, res.Order.ID, out.OrderID)

		p := f.store.paymentAt(res.Payment.ID)
		assert.Equal(t, payment.StatusCompleted, p.Status)
		assert.Equal(t, "SALE-9AB12345", p.ReceiptCode)
		assert.Equal(t, "buyer@example.com", p.PayerEmail)
		assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
		requireSettledConsistently(t, f.store, res.Order.ID)

		again, err := f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{
			BuyerID:           buyerID,
			PaymentID:         res.Payment.ID,
			ProviderPaymentID: "PAYID-NEW123",
			PayerID:           "PAYER123",
		})
		require.NoError(t, err)
		assert.True(t, again.Succeeded)
		assert.Equal(t, 1, f.wallet.executed)
	})

	t.Run("MissingIDs", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, payment.MethodRedirectWallet)
		f.initiateWallet(t, res.Payment.ID)

		_, err := f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{BuyerID: buyerID, PaymentID: res.Payment.ID, PayerID: "PAYER123"})
		assert.ErrorIs(t, err, payment.ErrMalformedCallback)

		_, err = f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{BuyerID: buyerID, PaymentID: res.Payment.ID, ProviderPaymentID: "PAYID-NEW123"})
		assert.ErrorIs(t, err, payment.ErrMalformedCallback)

		assert.Equal(t, payment.StatusProcessing, f.store.paymentAt(res.Payment.ID).Status)
		assert.Zero(t, f.wallet.executed)
	})

	t.Run("ProviderIDMismatch", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, payment.MethodRedirectWallet)
		f.initiateWallet(t, res.Payment.ID)

		_, err := f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{
			BuyerID:           buyerID,
			PaymentID:         res.Payment.ID,
			ProviderPaymentID: "PAYID-OTHER",
			PayerID:           "PAYER123",
		})

		assert.ErrorIs(t, err, payment.ErrMalformedCallback)
		assert.Zero(t, f.wallet.executed)
	})

	t.Run("NotApproved", func(t *testing.T) {
		f := newFixture(t)
		f.wallet.outcome = payment.Outcome{FailureReason: "INSTRUMENT_DECLINED"}
		res := f.createOrder(t, payment.MethodRedirectWallet)
		f.initiateWallet(t, res.Payment.ID)

		out, err := f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{
			BuyerID:           buyerID,
			PaymentID:         res.Payment.ID,
			ProviderPaymentID: "PAYID-NEW123",
			PayerID:           "PAYER123",
		})

		require.NoError(t, err)
		assert.False(t, out.Succeeded)
		p := f.store.paymentAt(res.Payment.ID)
		assert.Equal(t, payment.StatusFailed, p.Status)
		assert.Equal(t, "INSTRUMENT_DECLINED", p.FailureReason)
		assert.Equal(t, car.StatusActive, f.store.carAt(carID).Status)
	})

	t.Run("ProviderUnavailableLeavesPaymentProcessing", func(t *testing.T) {
		f := newFixture(t)
		f.wallet.executeErr = &payment.UpstreamError{Provider: "paypal", Status: 503, Message: "PayPal execute failed"}
		res := f.createOrder(t, payment.MethodRedirectWallet)
		f.initiateWallet(t, res.Payment.ID)

		_, err := f.svc.ExecuteRedirectPayment(ctx, ExecuteInput{
			BuyerID:           buyerID,
			PaymentID:         res.Payment.ID,
			ProviderPaymentID: "PAYID-NEW123",
			PayerID:           "PAYER123",
		})

		assert.ErrorIs(t, err, apperr.ErrUpstream)
		assert.Equal(t, payment.StatusProcessing, f.store.paymentAt(res.Payment.ID).Status)
		assert.Equal(t, car.StatusReserved, f.store.carAt(carID).Status)
	})

	t.Run("ConcurrentExecuteDoesNotFailCapturedPayment", func(t *testing.T) {
		f := newFixture(t)
		f.wallet.hold = make(chan struct{})
		f.wallet.entered = make(chan struct{})
		res := f.createOrder(t, payment.MethodRedirectWallet)
		f.initiateWallet(t, res.Payment.ID)

		in := ExecuteInput{
			BuyerID:           buyerID,
			PaymentID:         res.Payment.ID,
			ProviderPaymentID: "PAYID-NEW123",
			PayerID:           "PAYER123",
		}

		var (
			wg       sync.WaitGroup
			firstOut *ExecuteResult
			firstErr error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			firstOut, firstErr = f.svc.ExecuteRedirectPayment(ctx, in)
		}()
		<-f.wallet.entered

		second, err := f.svc.ExecuteRedirectPayment(ctx, in)
		require.NoError(t, err)
		assert.True(t, second.Pending)
		assert.False(t, second.Succeeded)
		assert.Equal(t, res.Order.ID, second.OrderID)
		assert.Equal(t, payment.StatusProcessing, f.store.paymentAt(res.Payment.ID).Status)
		assert.Equal(t, car.StatusReserved, f.store.carAt(carID).Status)
		assert.Zero(t, f.pub.count(events.PaymentFailed))

		close(f.wallet.hold)
		wg.Wait()

		require.NoError(t, firstErr)
		assert.True(t, firstOut.Succeeded)
		assert.Equal(t, payment.StatusCompleted, f.store.paymentAt(res.Payment.ID).Status)
		assert.Equal(t, order.StatusCompleted, f.store.orderAt(res.Order.ID).Status)
		assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
		requireSettledConsistently(t, f.store, res.Order.ID)
	})
}

func TestCancelPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("WalletCancelReleasesCarIdempotently", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, payment.MethodRedirectWallet)
		f.initiateWallet(t, res.Payment.ID)

		p, err := f.svc.CancelPayment(ctx, buyerID, res.Payment.ID)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCancelled, p.Status)
		assert.Equal(t, car.StatusActive, f.store.carAt(carID).Status)
		assert.Equal(t, order.StatusPending, f.store.orderAt(res.Order.ID).Status)

		p, err = f.svc.CancelPayment(ctx, buyerID, res.Payment.ID)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCancelled, p.Status)
		assert.Equal(t, car.StatusActive, f.store.carAt(carID).Status)
		assert.Equal(t, 1, f.pub.count(events.PaymentCancelled))
	})

	t.Run("CompletedPaymentCannotBeCancelled", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")
		init := f.initiatePush(t, res.Payment.ID)
		_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(init.CorrelationID, "QA12B3"))
		require.NoError(t, err)

		_, err = f.svc.CancelPayment(ctx, buyerID, res.Payment.ID)

		assert.ErrorIs(t, err, payment.ErrPaymentCompleted)
		assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
	})

	t.Run("LeftoverFailedAttemptAfterCompletion", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")
		first := f.initiatePush(t, res.Payment.ID)
		_, err := f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkFailure(first.CorrelationID, 1032, "Request cancelled by user"))
		require.NoError(t, err)
		require.Equal(t, payment.StatusFailed, f.store.paymentAt(res.Payment.ID).Status)

		retry := f.initiatePush(t, res.Payment.ID)
		require.NotEqual(t, res.Payment.ID, retry.Payment.ID)
		_, err = f.svc.HandlePushCallback(ctx, payment.MethodMobileMoney, stkSuccess(retry.CorrelationID, "QA12B4"))
		require.NoError(t, err)
		require.Equal(t, order.StatusCompleted, f.store.orderAt(res.Order.ID).Status)

		p, err := f.svc.CancelPayment(ctx, buyerID, res.Payment.ID)

		require.NoError(t, err)
		assert.Equal(t, payment.StatusCancelled, p.Status)
		assert.Equal(t, payment.StatusCompleted, f.store.paymentAt(retry.Payment.ID).Status)
		assert.Equal(t, car.StatusSold, f.store.carAt(carID).Status)
		requireSettledConsistently(t, f.store, res.Order.ID)
	})

	t.Run("CancelledCarIsOpenToOtherBuyers", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")
		_, err := f.svc.CancelPayment(ctx, buyerID, res.Payment.ID)
		require.NoError(t, err)

		_, err = f.svc.CreateOrder(ctx, CreateOrderInput{BuyerID: otherBuyer, CarID: carID})

		assert.NoError(t, err)
	})

	t.Run("UnknownOrForeignPayment", func(t *testing.T) {
		f := newFixture(t)
		res := f.createOrder(t, "")

		_, err := f.svc.CancelPayment(ctx, buyerID, uuid.New())
		assert.ErrorIs(t, err, payment.ErrPaymentNotFound)

		_, err = f.svc.CancelPayment(ctx, otherBuyer, res.Payment.ID)
		assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
		assert.Equal(t, payment.StatusPending, f.store.paymentAt(res.Payment.ID).Status)
	})
}
