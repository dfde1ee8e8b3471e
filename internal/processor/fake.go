package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/bountyescrow/internal/idgen"
)

// FakeTransfer records a transfer made through Fake.
type FakeTransfer struct {
	Ref         string
	EscrowID    string
	Destination string
	Amount      decimal.Decimal
	Currency    string
}

// FakeRefund records a refund made through Fake.
type FakeRefund struct {
	Ref      string
	EscrowID string
	HoldRef  string
}

// Fake is an in-memory Gateway. It honors idempotency keys the way the
// real processor does: a repeated key returns the original result and
// moves no additional money. Webhooks are signed and verified with the
// Stripe webhook scheme so the reconciler runs the same code path as in
// production.
type Fake struct {
	mu            sync.Mutex
	webhookSecret string

	holds     map[string]*Hold
	accounts  map[string]*Capability
	transfers []FakeTransfer
	refunds   []FakeRefund
	byKey     map[string]string // idempotency key -> result ref
	calls     map[string]int
	failNext  map[string][]error

	// AutoSucceed makes new holds succeed immediately, as if the payer
	// completed checkout. Handy for local development.
	AutoSucceed bool
}

// NewFake creates a fake gateway that verifies webhooks with secret.
func NewFake(webhookSecret string) *Fake {
	return &Fake{
		webhookSecret: webhookSecret,
		holds:         make(map[string]*Hold),
		accounts:      make(map[string]*Capability),
		byKey:         make(map[string]string),
		calls:         make(map[string]int),
		failNext:      make(map[string][]error),
	}
}

var _ Gateway = (*Fake)(nil)

// FailNext queues err to be returned by the next call to method
// ("create_hold", "transfer", "refund", ...).
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = append(f.failNext[method], err)
}

// Calls returns how many times method was invoked, including failures.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Transfers returns every distinct transfer made.
func (f *Fake) Transfers() []FakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeTransfer(nil), f.transfers...)
}

// Refunds returns every distinct refund made.
func (f *Fake) Refunds() []FakeRefund {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRefund(nil), f.refunds...)
}

// SetHoldStatus simulates the payer completing (or failing) payment.
func (f *Fake) SetHoldStatus(ref string, status HoldStatus, failureMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[ref]; ok {
		h.Status = status
		h.FailureMsg = failureMsg
		if status == HoldSucceeded && h.ChargeRef == "" {
			h.ChargeRef = "ch_" + ref
		}
	}
}

// SetAccount registers a payout account's capability.
func (f *Fake) SetAccount(c Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.HasPayoutAccount = true
	f.accounts[c.AccountID] = &c
}

// begin records a call and pops a queued failure. Caller must hold f.mu.
func (f *Fake) begin(method string) error {
	f.calls[method]++
	if q := f.failNext[method]; len(q) > 0 {
		f.failNext[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) CreateCustomer(_ context.Context, p CustomerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_customer"); err != nil {
		return "", err
	}
	key := "customer:" + p.UserID
	if ref, ok := f.byKey[key]; ok {
		return ref, nil
	}
	ref := idgen.WithPrefix("cus_")
	f.byKey[key] = ref
	return ref, nil
}

func (f *Fake) CreateHold(_ context.Context, p HoldParams) (*Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_hold"); err != nil {
		return nil, err
	}
	if ref, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		h := *f.holds[ref]
		return &h, nil
	}

	ref := idgen.WithPrefix("pi_")
	h := &Hold{
		Ref:          ref,
		ClientSecret: ref + "_secret_" + idgen.WithPrefix(""),
		Status:       HoldPending,
		Amount:       p.Amount,
		Currency:     p.Currency,
	}
	if f.AutoSucceed {
		h.Status = HoldSucceeded
		h.ChargeRef = "ch_" + ref
	}
	f.holds[ref] = h
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = ref
	}
	out := *h
	return &out, nil
}

func (f *Fake) CaptureStatus(_ context.Context, holdRef string) (*Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("capture_status"); err != nil {
		return nil, err
	}
	h, ok := f.holds[holdRef]
	if !ok {
		return nil, &Error{Method: "capture_status", Code: "resource_missing", Err: ErrNotFound}
	}
	out := *h
	return &out, nil
}

func (f *Fake) Transfer(_ context.Context, p TransferParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("transfer"); err != nil {
		return "", err
	}
	if ref, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return ref, nil
	}
	if _, ok := f.accounts[p.Destination]; !ok {
		return "", &Error{Method: "transfer", Code: "resource_missing", Message: "no such destination: " + p.Destination, Err: ErrNotFound}
	}
	ref := idgen.WithPrefix("tr_")
	f.transfers = append(f.transfers, FakeTransfer{
		Ref:         ref,
		EscrowID:    p.EscrowID,
		Destination: p.Destination,
		Amount:      p.Amount,
		Currency:    p.Currency,
	})
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = ref
	}
	return ref, nil
}

func (f *Fake) Refund(_ context.Context, p RefundParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("refund"); err != nil {
		return "", err
	}
	if ref, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return ref, nil
	}
	if _, ok := f.holds[p.HoldRef]; !ok {
		return "", &Error{Method: "refund", Code: "resource_missing", Err: ErrNotFound}
	}
	ref := idgen.WithPrefix("re_")
	f.refunds = append(f.refunds, FakeRefund{Ref: ref, EscrowID: p.EscrowID, HoldRef: p.HoldRef})
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = ref
	}
	return ref, nil
}

func (f *Fake) AccountCapability(_ context.Context, accountID string) (*Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("account_capability"); err != nil {
		return nil, err
	}
	c, ok := f.accounts[accountID]
	if !ok {
		return nil, &Error{Method: "account_capability", Code: "resource_missing", Err: ErrNotFound}
	}
	out := *c
	return &out, nil
}

func (f *Fake) CreatePayoutAccount(_ context.Context, p PayoutAccountParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_payout_account"); err != nil {
		return "", err
	}
	key := "payout-account:" + p.UserID
	if ref, ok := f.byKey[key]; ok {
		return ref, nil
	}
	ref := idgen.WithPrefix("acct_")
	f.accounts[ref] = &Capability{AccountID: ref, HasPayoutAccount: true}
	f.byKey[key] = ref
	return ref, nil
}

func (f *Fake) CreateOnboardingLink(_ context.Context, p OnboardingLinkParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_onboarding_link"); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://connect.example.test/setup/%s?return=%s", p.AccountID, p.ReturnURL), nil
}

func (f *Fake) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return parseStripeEvent(payload, signature, f.webhookSecret)
}

// SignedEvent builds a Stripe-format event payload for a payment intent or
// account object and signs it with the fake's webhook secret. It returns
// the body and the Stripe-Signature header value.
func (f *Fake) SignedEvent(eventID string, typ EventType, object map[string]any) ([]byte, string) {
	body, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        string(typ),
		"created":     time.Now().Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    f.webhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

// HoldObject is the data.object of a payment intent event.
func HoldObject(ref, status, failureMsg string) map[string]any {
	obj := map[string]any{"id": ref, "object": "payment_intent", "status": status}
	if failureMsg != "" {
		obj["last_payment_error"] = map[string]any{"message": failureMsg}
	}
	return obj
}

// AccountObject is the data.object of an account.updated event.
func AccountObject(accountID string, transfersActive bool) map[string]any {
	status := "inactive"
	if transfersActive {
		status = "active"
	}
	return map[string]any{
		"id":                accountID,
		"object":            "account",
		"charges_enabled":   transfersActive,
		"details_submitted": true,
		"capabilities":      map[string]any{"transfers": status},
	}
}
