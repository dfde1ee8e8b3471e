package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/bountyescrow/internal/circuitbreaker"
	"github.com/mbd888/bountyescrow/internal/retry"
)

const testSecret = "whsec_test_secret"

func TestFake_HoldIdempotency(t *testing.T) {
	f := NewFake(testSecret)
	ctx := context.Background()
	p := HoldParams{EscrowID: "e1", Amount: decimal.NewFromInt(50), Currency: "USD", IdempotencyKey: HoldKey("e1")}

	h1, err := f.CreateHold(ctx, p)
	require.NoError(t, err)
	h2, err := f.CreateHold(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, h1.Ref, h2.Ref, "same idempotency key must return the same hold")
	assert.Equal(t, HoldPending, h1.Status)
	assert.NotEmpty(t, h1.ClientSecret)
}

func TestFake_TransferIdempotency(t *testing.T) {
	f := NewFake(testSecret)
	ctx := context.Background()
	f.SetAccount(Capability{AccountID: "acct_1", CanReceiveTransfers: true})

	p := TransferParams{EscrowID: "e1", Destination: "acct_1", Amount: decimal.NewFromInt(190), Currency: "USD", IdempotencyKey: TransferKey("e1")}
	r1, err := f.Transfer(ctx, p)
	require.NoError(t, err)
	r2, err := f.Transfer(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Len(t, f.Transfers(), 1)
	assert.Equal(t, 2, f.Calls("transfer"))
}

func TestFake_FailNext(t *testing.T) {
	f := NewFake(testSecret)
	boom := &Error{Method: "refund", Code: "api_error", Retryable: true}
	f.FailNext("refund", boom)

	_, err := f.Refund(context.Background(), RefundParams{HoldRef: "pi_x"})
	assert.Same(t, boom, err)

	_, err = f.Refund(context.Background(), RefundParams{HoldRef: "pi_x"})
	assert.ErrorIs(t, err, ErrNotFound, "queued failure should be consumed")
}

func TestWebhook_SignedRoundTrip(t *testing.T) {
	f := NewFake(testSecret)

	body, sig := f.SignedEvent("evt_1", EventHoldFailed, HoldObject("pi_123", "requires_payment_method", "card declined"))
	evt, err := f.VerifyWebhook(body, sig)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, EventHoldFailed, evt.Type)
	assert.Equal(t, "pi_123", evt.HoldRef)
	assert.Equal(t, "card declined", evt.FailureMsg)
}

func TestWebhook_AccountUpdated(t *testing.T) {
	f := NewFake(testSecret)

	body, sig := f.SignedEvent("evt_2", EventAccountUpdated, AccountObject("acct_9", true))
	evt, err := f.VerifyWebhook(body, sig)
	require.NoError(t, err)

	require.NotNil(t, evt.Account)
	assert.Equal(t, "acct_9", evt.Account.AccountID)
	assert.True(t, evt.Account.CanReceiveTransfers)
	assert.True(t, evt.Account.HasPayoutAccount)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	f := NewFake(testSecret)
	body, sig := f.SignedEvent("evt_3", EventHoldSucceeded, HoldObject("pi_1", "succeeded", ""))

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = ' '
	_, err := f.VerifyWebhook(tampered, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.VerifyWebhook(body, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	other := NewFake("whsec_other")
	_, err = other.VerifyWebhook(body, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unconfigured := NewFake("")
	_, err = unconfigured.VerifyWebhook(body, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryable  bool
		definitive bool
		notFound   bool
	}{
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Type: stripe.ErrorTypeInvalidRequest}, true, false, false},
		{"server error", &stripe.Error{HTTPStatusCode: 503, Type: stripe.ErrorTypeAPI}, true, false, false},
		{"card declined", &stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard, Msg: "declined"}, false, true, false},
		{"missing", &stripe.Error{HTTPStatusCode: 404, Type: stripe.ErrorTypeInvalidRequest}, false, true, true},
		{"network", errors.New("connection reset"), true, false, false},
		{"deadline", context.DeadlineExceeded, true, false, false},
		{"canceled", context.Canceled, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("transfer", tt.err)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "transfer", pe.Method)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.definitive, IsDefinitive(err))
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestIsDefinitive_CancellationIsInDoubt(t *testing.T) {
	assert.False(t, IsDefinitive(nil))
	assert.False(t, IsDefinitive(errors.New("unclassified")))
	assert.False(t, IsDefinitive(&Error{Method: "transfer", Code: "canceled", Err: context.Canceled}))
	assert.False(t, IsDefinitive(fmt.Errorf("%w after attempt 1: %w", context.DeadlineExceeded,
		&Error{Method: "refund", Code: "account_invalid"})))
	assert.True(t, IsDefinitive(&Error{Method: "refund", Code: "charge_already_refunded"}))
}

func TestHoldFromIntent(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID:           "pi_1",
		ClientSecret: "pi_1_secret",
		Amount:       20000,
		Currency:     "usd",
		Status:       stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{ID: "ch_1"},
	}
	h := holdFromIntent(pi)
	assert.Equal(t, HoldSucceeded, h.Status)
	assert.Equal(t, "USD", h.Currency)
	assert.True(t, h.Amount.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, "ch_1", h.ChargeRef)

	pi.Status = stripe.PaymentIntentStatusRequiresPaymentMethod
	pi.LastPaymentError = &stripe.Error{Msg: "insufficient funds"}
	h = holdFromIntent(pi)
	assert.Equal(t, HoldFailed, h.Status)
	assert.Equal(t, "insufficient funds", h.FailureMsg)

	pi.Status = stripe.PaymentIntentStatusProcessing
	assert.Equal(t, HoldPending, holdFromIntent(pi).Status)
}

func TestInstrumented_RetriesTransient(t *testing.T) {
	f := NewFake(testSecret)
	f.SetAccount(Capability{AccountID: "acct_1", CanReceiveTransfers: true})
	f.FailNext("transfer", &Error{Method: "transfer", Code: "api_error", Retryable: true})

	g := Instrument(f, circuitbreaker.New(5, time.Minute), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)
	ref, err := g.Transfer(context.Background(), TransferParams{
		EscrowID: "e1", Destination: "acct_1", Amount: decimal.NewFromInt(10), Currency: "USD", IdempotencyKey: TransferKey("e1"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, 2, f.Calls("transfer"))
	assert.Len(t, f.Transfers(), 1)
}

func TestInstrumented_DoesNotRetryPermanent(t *testing.T) {
	f := NewFake(testSecret)
	declined := &Error{Method: "create_hold", Code: "card_declined"}
	f.FailNext("create_hold", declined)

	g := Instrument(f, nil, retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)
	_, err := g.CreateHold(context.Background(), HoldParams{EscrowID: "e1", Amount: decimal.NewFromInt(10), Currency: "USD"})
	assert.Same(t, declined, err)
	assert.Equal(t, 1, f.Calls("create_hold"))
}

func TestInstrumented_OpenCircuitFailsFast(t *testing.T) {
	f := NewFake(testSecret)
	for i := 0; i < 2; i++ {
		f.FailNext("refund", &Error{Method: "refund", Retryable: true})
	}
	g := Instrument(f, circuitbreaker.New(2, time.Minute), retry.Policy{MaxAttempts: 1}, nil)
	ctx := context.Background()

	_, _ = g.Refund(ctx, RefundParams{HoldRef: "pi_1"})
	_, _ = g.Refund(ctx, RefundParams{HoldRef: "pi_1"})
	assert.Equal(t, []string{"refund"}, g.OpenCircuits())

	_, err := g.Refund(ctx, RefundParams{HoldRef: "pi_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, IsRetryable(err), "open circuit should be reported as retryable")
	assert.Equal(t, 2, f.Calls("refund"), "open circuit must not reach the processor")
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "escrow:abc:hold", HoldKey("abc"))
	assert.Equal(t, "escrow:abc:transfer", TransferKey("abc"))
	assert.Equal(t, "escrow:abc:refund", RefundKey("abc"))
}
