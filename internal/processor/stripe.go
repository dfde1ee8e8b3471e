package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/bountyescrow/internal/money"
)

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// StripeGateway implements Gateway against the Stripe API using Payment
// Intents for holds and Connect transfers for payouts.
type StripeGateway struct {
	sc            *client.API
	webhookSecret string
}

// NewStripeGateway builds a Stripe client. The SDK's own network retries
// are disabled; Instrumented owns retry policy.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}
	return &StripeGateway{
		sc:            client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

var _ Gateway = (*StripeGateway)(nil)

func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	params.AddMetadata("userId", p.UserID)
	params.SetIdempotencyKey("customer:" + p.UserID)

	c, err := g.sc.Customers.New(params)
	if err != nil {
		return "", classify("create_customer", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateHold(ctx context.Context, p HoldParams) (*Hold, error) {
	units, err := money.ToMinorUnits(p.Amount, p.Currency)
	if err != nil {
		return nil, &Error{Method: "create_hold", Code: "invalid_amount", Err: err}
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(units),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		TransferGroup: stripe.String(transferGroup(p.EscrowID)),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(p.IdempotencyKey)

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("create_hold", err)
	}
	return holdFromIntent(pi), nil
}

func (g *StripeGateway) CaptureStatus(ctx context.Context, holdRef string) (*Hold, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.sc.PaymentIntents.Get(holdRef, params)
	if err != nil {
		return nil, classify("capture_status", err)
	}
	return holdFromIntent(pi), nil
}

func (g *StripeGateway) Transfer(ctx context.Context, p TransferParams) (string, error) {
	units, err := money.ToMinorUnits(p.Amount, p.Currency)
	if err != nil {
		return "", &Error{Method: "transfer", Code: "invalid_amount", Err: err}
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(units),
		Currency:      stripe.String(strings.ToLower(p.Currency)),
		Destination:   stripe.String(p.Destination),
		TransferGroup: stripe.String(transferGroup(p.EscrowID)),
	}
	params.Context = ctx
	if p.HoldRef != "" {
		hold, err := g.CaptureStatus(ctx, p.HoldRef)
		if err != nil {
			return "", err
		}
		if hold.ChargeRef != "" {
			params.SourceTransaction = stripe.String(hold.ChargeRef)
		}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(p.IdempotencyKey)

	tr, err := g.sc.Transfers.New(params)
	if err != nil {
		return "", classify("transfer", err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, p RefundParams) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.HoldRef),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(p.IdempotencyKey)

	r, err := g.sc.Refunds.New(params)
	if err != nil {
		return "", classify("refund", err)
	}
	return r.ID, nil
}

func (g *StripeGateway) AccountCapability(ctx context.Context, accountID string) (*Capability, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := g.sc.Accounts.GetByID(accountID, params)
	if err != nil {
		return nil, classify("account_capability", err)
	}
	return capabilityFromAccount(acct), nil
}

func (g *StripeGateway) CreatePayoutAccount(ctx context.Context, p PayoutAccountParams) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	params.Context = ctx
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	if p.Country != "" {
		params.Country = stripe.String(p.Country)
	}
	params.AddMetadata("userId", p.UserID)
	params.SetIdempotencyKey("payout-account:" + p.UserID)

	acct, err := g.sc.Accounts.New(params)
	if err != nil {
		return "", classify("create_payout_account", err)
	}
	return acct.ID, nil
}

func (g *StripeGateway) CreateOnboardingLink(ctx context.Context, p OnboardingLinkParams) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(p.AccountID),
		RefreshURL: stripe.String(p.RefreshURL),
		ReturnURL:  stripe.String(p.ReturnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	params.Context = ctx

	link, err := g.sc.AccountLinks.New(params)
	if err != nil {
		return "", classify("create_onboarding_link", err)
	}
	return link.URL, nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return parseStripeEvent(payload, signature, g.webhookSecret)
}

// parseStripeEvent verifies a Stripe-Signature header and decodes the
// parts of the event the engine cares about.
func parseStripeEvent(payload []byte, signature, secret string) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{
		ID:        evt.ID,
		Type:      EventType(evt.Type),
		CreatedAt: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventHoldSucceeded, EventHoldFailed, EventHoldCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.HoldRef = pi.ID
		if pi.LastPaymentError != nil {
			out.FailureMsg = pi.LastPaymentError.Msg
		}
		if out.FailureMsg == "" && pi.CancellationReason != "" {
			out.FailureMsg = string(pi.CancellationReason)
		}
	case EventAccountUpdated:
		var acct stripe.Account
		if err := json.Unmarshal(evt.Data.Raw, &acct); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		out.Account = capabilityFromAccount(&acct)
	}
	return out, nil
}

func holdFromIntent(pi *stripe.PaymentIntent) *Hold {
	h := &Hold{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Currency:     strings.ToUpper(string(pi.Currency)),
	}
	if amt, err := money.FromMinorUnits(pi.Amount, h.Currency); err == nil {
		h.Amount = amt
	} else {
		h.Amount = decimal.Zero
	}
	if pi.LatestCharge != nil {
		h.ChargeRef = pi.LatestCharge.ID
	}
	if pi.LastPaymentError != nil {
		h.FailureMsg = pi.LastPaymentError.Msg
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		h.Status = HoldSucceeded
	case stripe.PaymentIntentStatusCanceled:
		h.Status = HoldCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A failed attempt sends the intent back to requires_payment_method.
		if pi.LastPaymentError != nil {
			h.Status = HoldFailed
		} else {
			h.Status = HoldPending
		}
	default:
		h.Status = HoldPending
	}
	return h
}

func capabilityFromAccount(acct *stripe.Account) *Capability {
	c := &Capability{
		AccountID:        acct.ID,
		HasPayoutAccount: acct.ID != "",
		ChargesEnabled:   acct.ChargesEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}
	if acct.Capabilities != nil {
		c.CanReceiveTransfers = acct.Capabilities.Transfers == stripe.AccountCapabilityStatusActive
	}
	return c
}

func transferGroup(escrowID string) string {
	return "escrow_" + escrowID
}

// classify converts a Stripe SDK error into *Error. Rate limits, 5xx
// responses and transport failures are retryable; card declines and
// invalid requests are not.
func classify(method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code := "canceled"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		return &Error{Method: method, Code: code, Retryable: code == "timeout", Err: err}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure: the request may or may not have landed.
		return &Error{Method: method, Code: "network", Retryable: true, Err: err}
	}

	e := &Error{Method: method, Code: string(se.Code), Message: se.Msg, Err: err}
	if e.Code == "" {
		e.Code = string(se.Type)
	}
	switch {
	case se.HTTPStatusCode == http.StatusNotFound:
		e.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		e.Retryable = true
	case se.HTTPStatusCode >= 500:
		e.Retryable = true
	case se.Type == stripe.ErrorTypeAPI:
		e.Retryable = true
	}
	return e
}
