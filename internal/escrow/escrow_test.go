package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/processor"
)

const (
	testPayer    = "usr_payer"
	testExpert   = "usr_expert"
	testAuthor   = "usr_author"
	testStranger = "usr_stranger"
	testInactive = "usr_inactive"
	testQuestion = "q_1"
	testPayout   = "acct_expert"
)

// fakeDirectory is an in-memory Directory.
type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[string]*Account
	subjects map[string]*Subject
	payouts  map[string]*PayeeCapability
	gateway  processor.Gateway
}

func newFakeDirectory(gw processor.Gateway) *fakeDirectory {
	d := &fakeDirectory{
		accounts: make(map[string]*Account),
		subjects: make(map[string]*Subject),
		payouts:  make(map[string]*PayeeCapability),
		gateway:  gw,
	}
	for _, id := range []string{testPayer, testExpert, testAuthor, testStranger} {
		d.accounts[id] = &Account{ID: id, Active: true}
	}
	d.accounts[testInactive] = &Account{ID: testInactive}
	d.subjects[testQuestion] = &Subject{ID: testQuestion, AuthorID: testAuthor}
	d.payouts[testExpert] = &PayeeCapability{
		PayoutAccountID:     testPayout,
		HasPayoutAccount:    true,
		CanReceiveTransfers: true,
	}
	return d
}

func (d *fakeDirectory) Account(_ context.Context, userID string) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (d *fakeDirectory) Subject(_ context.Context, questionID string) (*Subject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subjects[questionID]
	if !ok {
		return nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (d *fakeDirectory) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	return d.gateway.CreateCustomer(ctx, processor.CustomerParams{UserID: userID})
}

func (d *fakeDirectory) PayeeCapability(_ context.Context, userID string) (*PayeeCapability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.payouts[userID]; ok {
		cp := *c
		return &cp, nil
	}
	if _, ok := d.accounts[userID]; !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return &PayeeCapability{}, nil
}

// recordingHooks captures lifecycle notifications.
type recordingHooks struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingHooks) add(event string, e *Escrow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+e.ID)
}

func (r *recordingHooks) OnEscrowHeld(_ context.Context, e *Escrow)     { r.add("held", e) }
func (r *recordingHooks) OnEscrowReleased(_ context.Context, e *Escrow) { r.add("released", e) }
func (r *recordingHooks) OnEscrowRefunded(_ context.Context, e *Escrow) { r.add("refunded", e) }
func (r *recordingHooks) OnEscrowDisputed(_ context.Context, e *Escrow) { r.add("disputed", e) }
func (r *recordingHooks) OnEscrowExpired(_ context.Context, e *Escrow)  { r.add("expired", e) }

func (r *recordingHooks) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	svc   *Service
	store *MemoryStore
	dir   *fakeDirectory
	gw    *processor.Fake
	hooks *recordingHooks

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := processor.NewFake("whsec_test")
	gw.SetAccount(processor.Capability{AccountID: testPayout, CanReceiveTransfers: true})

	h := &harness{
		store: NewMemoryStore(),
		gw:    gw,
		hooks: &recordingHooks{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.dir = newFakeDirectory(gw)
	h.svc = NewService(h.store, h.dir, gw, nil).
		WithHooks(h.hooks).
		WithClock(h.clock)
	t.Cleanup(h.svc.WaitHooks)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bounty(payee string, amt string, days int) CreateRequest {
	return CreateRequest{
		PayerID:         testPayer,
		PayeeID:         payee,
		QuestionID:      testQuestion,
		Amount:          amount(amt),
		Currency:        "usd",
		Description:     "Bounty for a good answer",
		AutoReleaseDays: days,
	}
}

// create opens an escrow and returns it PENDING with a hold attached.
func (h *harness) create(t *testing.T, req CreateRequest) *Escrow {
	t.Helper()
	res, err := h.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return res.Escrow
}

// held opens an escrow and completes its payment.
func (h *harness) held(t *testing.T, req CreateRequest) *Escrow {
	t.Helper()
	e := h.create(t, req)
	h.gw.SetHoldStatus(e.ProcessorHoldID, processor.HoldSucceeded, "")
	confirmed, err := h.svc.ConfirmPayment(context.Background(), e.ID, e.ProcessorHoldID, testPayer)
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	return confirmed
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusHeld, StatusReleased, StatusRefunded, StatusDisputed, StatusExpired}
	legal := map[[2]Status]bool{
		{StatusPending, StatusHeld}:      true,
		{StatusPending, StatusExpired}:   true,
		{StatusHeld, StatusReleased}:     true,
		{StatusHeld, StatusRefunded}:     true,
		{StatusHeld, StatusDisputed}:     true,
		{StatusDisputed, StatusReleased}: true,
		{StatusDisputed, StatusRefunded}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got, want := CanTransition(from, to), legal[[2]Status{from, to}]; got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	for _, s := range []Status{StatusReleased, StatusRefunded, StatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if Status("bogus").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestEscrow_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		want   error
	}{
		{"zero amount", func(r *CreateRequest) { r.Amount = decimal.Zero }, ErrInvalidAmount},
		{"below minimum", func(r *CreateRequest) { r.Amount = amount("0.99") }, ErrInvalidAmount},
		{"above maximum", func(r *CreateRequest) { r.Amount = amount("10000.01") }, ErrInvalidAmount},
		{"sub-cent precision", func(r *CreateRequest) { r.Amount = amount("10.001") }, ErrInvalidAmount},
		{"unknown currency", func(r *CreateRequest) { r.Currency = "XYZ" }, ErrInvalidInput},
		{"missing question", func(r *CreateRequest) { r.QuestionID = " " }, ErrInvalidInput},
		{"long description", func(r *CreateRequest) {
			b := make([]rune, MaxDescriptionLength+1)
			for i := range b {
				b[i] = 'é'
			}
			r.Description = string(b)
		}, ErrInvalidInput},
		{"auto-release too long", func(r *CreateRequest) { r.AutoReleaseDays = 91 }, ErrInvalidInput},
		{"negative auto-release", func(r *CreateRequest) { r.AutoReleaseDays = -1 }, ErrInvalidInput},
		{"self payee", func(r *CreateRequest) { r.PayeeID = testPayer }, ErrInvalidInput},
		{"inactive payer", func(r *CreateRequest) { r.PayerID = testInactive }, ErrForbidden},
		{"unknown payer", func(r *CreateRequest) { r.PayerID = "usr_ghost" }, ErrNotFound},
		{"unknown question", func(r *CreateRequest) { r.QuestionID = "q_missing" }, ErrNotFound},
		{"unknown payee", func(r *CreateRequest) { r.PayeeID = "usr_ghost" }, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := bounty(testExpert, "50.00", 7)
			tt.mutate(&req)
			_, err := h.svc.Create(ctx, req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if calls := h.gw.Calls("create_hold"); calls != 0 {
		t.Errorf("rejected requests must not reach the processor, got %d hold calls", calls)
	}
}

func TestEscrow_CreateOpensHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, bounty(testExpert, "120.50", 7))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e := res.Escrow
	if e.Status != StatusPending {
		t.Errorf("expected pending, got %s", e.Status)
	}
	if e.Currency != "USD" {
		t.Errorf("expected normalized currency USD, got %s", e.Currency)
	}
	if e.ProcessorHoldID == "" || res.ClientSecret == "" {
		t.Fatalf("expected hold ref and client secret, got %q / %q", e.ProcessorHoldID, res.ClientSecret)
	}
	want := h.clock().AddDate(0, 0, 7)
	if e.AutoReleaseAt == nil || !e.AutoReleaseAt.Equal(want) {
		t.Errorf("expected auto-release at %v, got %v", want, e.AutoReleaseAt)
	}

	stored, err := h.svc.GetByHoldRef(ctx, e.ProcessorHoldID)
	if err != nil || stored.ID != e.ID {
		t.Fatalf("GetByHoldRef: %v", err)
	}

	history, _ := h.svc.History(ctx, e.ID)
	if len(history) != 1 || history[0].From != "" || history[0].To != StatusPending || history[0].ActorID != testPayer {
		t.Errorf("unexpected creation history: %+v", history)
	}
}

func TestEscrow_NoAutoRelease(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, bounty(testExpert, "20.00", 0))
	if e.AutoReleaseAt != nil {
		t.Errorf("expected no auto-release, got %v", e.AutoReleaseAt)
	}
}

func TestEscrow_DefaultCurrency(t *testing.T) {
	h := newHarness(t)
	req := bounty(testExpert, "30.00", 0)
	req.Currency = ""
	if e := h.create(t, req); e.Currency != "USD" {
		t.Errorf("expected USD when currency omitted, got %s", e.Currency)
	}

	h.svc.WithDefaultCurrency("eur")
	if e := h.create(t, req); e.Currency != "EUR" {
		t.Errorf("expected configured default EUR, got %s", e.Currency)
	}
}

func TestEscrow_HoldFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.FailNext("create_hold", &processor.Error{Method: "create_hold", Message: "timeout", Retryable: true})
	res, err := h.svc.Create(ctx, bounty(testExpert, "40.00", 0))
	if !errors.Is(err, ErrProcessor) {
		t.Fatalf("expected ErrProcessor, got %v", err)
	}
	var pe *processor.Error
	if !errors.As(err, &pe) || !pe.Retryable {
		t.Fatalf("expected retryable processor.Error in chain, got %v", err)
	}
	if res == nil || res.Escrow == nil {
		t.Fatal("escrow must be returned when only the hold failed")
	}
	stored, _ := h.svc.Get(ctx, res.Escrow.ID)
	if stored.Status != StatusPending || stored.ProcessorHoldID != "" {
		t.Fatalf("expected pending escrow without hold, got %s %q", stored.Status, stored.ProcessorHoldID)
	}

	if _, err := h.svc.RetryHold(ctx, stored.ID, testStranger); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-payer retry, got %v", err)
	}

	retried, err := h.svc.RetryHold(ctx, stored.ID, testPayer)
	if err != nil {
		t.Fatalf("RetryHold failed: %v", err)
	}
	if retried.Escrow.ProcessorHoldID == "" || retried.ClientSecret == "" {
		t.Fatal("expected hold after retry")
	}

	// A second retry reuses the same hold.
	again, err := h.svc.RetryHold(ctx, stored.ID, testPayer)
	if err != nil {
		t.Fatalf("second RetryHold failed: %v", err)
	}
	if again.Escrow.ProcessorHoldID != retried.Escrow.ProcessorHoldID {
		t.Errorf("expected same hold %s, got %s", retried.Escrow.ProcessorHoldID, again.Escrow.ProcessorHoldID)
	}
}

func TestEscrow_ConfirmPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, bounty(testExpert, "75.00", 7))

	if _, err := h.svc.ConfirmPayment(ctx, e.ID, e.ProcessorHoldID, testPayer); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed before payment clears, got %v", err)
	}

	h.gw.SetHoldStatus(e.ProcessorHoldID, processor.HoldSucceeded, "")

	if _, err := h.svc.ConfirmPayment(ctx, e.ID, e.ProcessorHoldID, testStranger); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for stranger, got %v", err)
	}
	if _, err := h.svc.ConfirmPayment(ctx, e.ID, "pi_other", testPayer); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for wrong hold ref, got %v", err)
	}
	if _, err := h.svc.ConfirmPayment(ctx, e.ID, "", testPayer); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty hold ref, got %v", err)
	}

	held, err := h.svc.ConfirmPayment(ctx, e.ID, e.ProcessorHoldID, testPayer)
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if held.Status != StatusHeld || held.HeldAt == nil {
		t.Fatalf("expected held with heldAt, got %s", held.Status)
	}

	// Webhook redelivery after the client already confirmed.
	again, err := h.svc.ConfirmPayment(ctx, e.ID, e.ProcessorHoldID, SystemActor)
	if err != nil {
		t.Fatalf("repeated confirm should succeed, got %v", err)
	}
	if again.Status != StatusHeld {
		t.Errorf("expected held, got %s", again.Status)
	}
	history, _ := h.svc.History(ctx, e.ID)
	if len(history) != 2 {
		t.Errorf("repeated confirm must not add a transition, got %d rows", len(history))
	}
}

func TestEscrow_ReleaseFeeSplit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "200.00", 7))

	released, err := h.svc.Release(ctx, e.ID, testPayer, "great answer")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased || released.ReleasedAt == nil {
		t.Fatalf("expected released, got %s", released.Status)
	}
	if released.PlatformFee == nil || !released.PlatformFee.Equal(amount("10")) {
		t.Errorf("expected platform fee 10, got %v", released.PlatformFee)
	}
	if released.ReleaseReason != "great answer" {
		t.Errorf("expected release reason recorded, got %q", released.ReleaseReason)
	}
	if released.Settlement != nil {
		t.Error("settlement claim must be cleared after release")
	}

	transfers := h.gw.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(transfers))
	}
	if !transfers[0].Amount.Equal(amount("190")) || transfers[0].Destination != testPayout {
		t.Errorf("unexpected transfer: %+v", transfers[0])
	}
	if released.ProcessorTransferID != transfers[0].Ref {
		t.Errorf("expected transfer ref %s, got %s", transfers[0].Ref, released.ProcessorTransferID)
	}

	if _, err := h.svc.Release(ctx, e.ID, testPayer, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on second release, got %v", err)
	}
}

func TestEscrow_FeeRoundsHalfUp(t *testing.T) {
	h := newHarness(t)
	e := h.held(t, bounty(testExpert, "10.10", 0))

	released, err := h.svc.Release(context.Background(), e.ID, testPayer, "")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// 10.10 * 0.05 = 0.505
	if !released.PlatformFee.Equal(amount("0.51")) {
		t.Errorf("expected fee 0.51, got %s", released.PlatformFee)
	}
	if got := h.gw.Transfers()[0].Amount; !got.Equal(amount("9.59")) {
		t.Errorf("expected payout 9.59, got %s", got)
	}
}

func TestEscrow_ReleaseAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.held(t, bounty(testExpert, "60.00", 7))
	if _, err := h.svc.Release(ctx, e.ID, testStranger, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for stranger, got %v", err)
	}
	if _, err := h.svc.Release(ctx, e.ID, testExpert, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("payee cannot release to themselves, got %v", err)
	}
	if _, err := h.svc.Release(ctx, e.ID, testAuthor, "accepted"); err != nil {
		t.Errorf("question author should be able to release, got %v", err)
	}
}

func TestEscrow_ReleaseWithoutPayee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty("", "30.00", 7))

	for _, actor := range []string{testPayer, testAuthor, testStranger} {
		if _, err := h.svc.Release(ctx, e.ID, actor, ""); !errors.Is(err, ErrPreconditionFailed) {
			t.Errorf("actor %s: expected ErrPreconditionFailed, got %v", actor, err)
		}
	}
	if n := h.gw.Calls("transfer"); n != 0 {
		t.Errorf("expected no transfer attempts, got %d", n)
	}
}

func TestEscrow_ReleaseRequiresPayoutAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testAuthor, "30.00", 7))

	_, err := h.svc.Release(ctx, e.ID, testPayer, "")
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed for payee without payout account, got %v", err)
	}
	stored, _ := h.svc.Get(ctx, e.ID)
	if stored.Status != StatusHeld || stored.Settlement != nil {
		t.Errorf("escrow must stay held and unclaimed, got %s %+v", stored.Status, stored.Settlement)
	}
}

func TestEscrow_ReleaseReasonLength(t *testing.T) {
	h := newHarness(t)
	e := h.held(t, bounty(testExpert, "30.00", 7))
	long := make([]byte, MaxReleaseReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := h.svc.Release(context.Background(), e.ID, testPayer, string(long)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEscrow_Refund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "80.00", 7))

	if _, err := h.svc.Refund(ctx, e.ID, testPayer, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank reason, got %v", err)
	}
	for _, actor := range []string{testExpert, testAuthor, testStranger} {
		if _, err := h.svc.Refund(ctx, e.ID, actor, "no answer"); !errors.Is(err, ErrForbidden) {
			t.Errorf("actor %s: expected ErrForbidden, got %v", actor, err)
		}
	}

	refunded, err := h.svc.Refund(ctx, e.ID, testPayer, "  no answer  ")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.Status != StatusRefunded || refunded.RefundReason != "no answer" {
		t.Errorf("unexpected refund result: %s %q", refunded.Status, refunded.RefundReason)
	}
	if refunded.PlatformFee != nil {
		t.Error("refunds must not carry a platform fee")
	}
	refunds := h.gw.Refunds()
	if len(refunds) != 1 || refunds[0].HoldRef != e.ProcessorHoldID {
		t.Errorf("expected one refund of hold %s, got %+v", e.ProcessorHoldID, refunds)
	}

	if _, err := h.svc.Refund(ctx, e.ID, testPayer, "again"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on second refund, got %v", err)
	}
}

func TestEscrow_RefundPendingRejected(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, bounty(testExpert, "80.00", 7))
	if _, err := h.svc.Refund(context.Background(), e.ID, testPayer, "changed my mind"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestEscrow_Dispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "90.00", 1))

	if _, err := h.svc.Dispute(ctx, e.ID, testPayer, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing reason, got %v", err)
	}
	if _, err := h.svc.Dispute(ctx, e.ID, testAuthor, "bad"); !errors.Is(err, ErrForbidden) {
		t.Errorf("author is not a party, expected ErrForbidden, got %v", err)
	}

	disputed, err := h.svc.Dispute(ctx, e.ID, testExpert, "payer is unresponsive")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.DisputedAt == nil {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}
	if _, err := h.svc.Dispute(ctx, e.ID, testPayer, "again"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on second dispute, got %v", err)
	}

	// Past the deadline the sweeper leaves disputed escrows alone.
	h.advance(48 * time.Hour)
	res, err := NewSweeper(h.svc, h.store, nil).ProcessExpiredEscrows(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Scanned != 0 {
		t.Errorf("disputed escrow must not be swept, scanned %d", res.Scanned)
	}

	released, err := h.svc.Release(ctx, e.ID, testPayer, "resolved")
	if err != nil {
		t.Fatalf("Release from disputed failed: %v", err)
	}
	history, _ := h.svc.History(ctx, e.ID)
	last := history[len(history)-1]
	if released.Status != StatusReleased || last.From != StatusDisputed || last.To != StatusReleased {
		t.Errorf("unexpected final transition %+v", last)
	}
}

func TestEscrow_ExpireOnFailedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, bounty(testExpert, "25.00", 7))

	h.gw.SetHoldStatus(e.ProcessorHoldID, processor.HoldFailed, "card declined")
	expired, err := h.svc.SyncHold(ctx, e.ID)
	if err != nil {
		t.Fatalf("SyncHold failed: %v", err)
	}
	if expired.Status != StatusExpired || expired.ExpiredAt == nil {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
	if expired.RefundReason != "payment failed: card declined" {
		t.Errorf("unexpected reason %q", expired.RefundReason)
	}
	if _, err := h.svc.ConfirmPayment(ctx, e.ID, e.ProcessorHoldID, SystemActor); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed confirming an expired escrow, got %v", err)
	}
}

func TestEscrow_SyncHoldConfirms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, bounty(testExpert, "25.00", 7))

	still, err := h.svc.SyncHold(ctx, e.ID)
	if err != nil || still.Status != StatusPending {
		t.Fatalf("expected pending while hold is pending, got %v %v", still, err)
	}

	h.gw.SetHoldStatus(e.ProcessorHoldID, processor.HoldSucceeded, "")
	held, err := h.svc.SyncHold(ctx, e.ID)
	if err != nil {
		t.Fatalf("SyncHold failed: %v", err)
	}
	if held.Status != StatusHeld {
		t.Errorf("expected held, got %s", held.Status)
	}
	history, _ := h.svc.History(ctx, e.ID)
	if history[len(history)-1].ActorID != SystemActor {
		t.Errorf("expected system actor, got %s", history[len(history)-1].ActorID)
	}
}

func TestSweeper_AutoSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	withPayee := h.held(t, bounty(testExpert, "100.00", 1))
	withoutPayee := h.held(t, bounty("", "50.00", 1))
	notDue := h.held(t, bounty(testExpert, "10.00", 3))
	pending := h.create(t, bounty(testExpert, "10.00", 1))

	sweeper := NewSweeper(h.svc, h.store, nil)
	res, err := sweeper.ProcessExpiredEscrows(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Scanned != 0 {
		t.Fatalf("nothing is due yet, scanned %d", res.Scanned)
	}

	h.advance(25 * time.Hour)
	res, err = sweeper.ProcessExpiredEscrows(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Scanned != 2 || res.Released != 1 || res.Refunded != 1 || res.Failed != 0 {
		t.Fatalf("unexpected sweep result %+v", res)
	}

	got, _ := h.svc.Get(ctx, withPayee.ID)
	if got.Status != StatusReleased || got.ReleaseReason != AutoReleaseReason {
		t.Errorf("expected auto-release, got %s %q", got.Status, got.ReleaseReason)
	}
	got, _ = h.svc.Get(ctx, withoutPayee.ID)
	if got.Status != StatusRefunded || got.RefundReason != AutoRefundReason {
		t.Errorf("expected auto-refund, got %s %q", got.Status, got.RefundReason)
	}
	got, _ = h.svc.Get(ctx, notDue.ID)
	if got.Status != StatusHeld {
		t.Errorf("escrow not yet due must stay held, got %s", got.Status)
	}
	got, _ = h.svc.Get(ctx, pending.ID)
	if got.Status != StatusPending {
		t.Errorf("pending escrow must not be swept, got %s", got.Status)
	}
}

func TestSweeper_SkipsUnpayablePayee(t *testing.T) {
	h := newHarness(t)
	e := h.held(t, bounty(testAuthor, "15.00", 1))
	h.advance(25 * time.Hour)

	res, err := NewSweeper(h.svc, h.store, nil).ProcessExpiredEscrows(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("expected skipped escrow, got %+v", res)
	}
	got, _ := h.svc.Get(context.Background(), e.ID)
	if got.Status != StatusHeld {
		t.Errorf("expected held, got %s", got.Status)
	}
}

func TestSweeper_SkippedEscrowsDoNotBlockLaterOnes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The author has no payout account, so these stay held every pass.
	unpayable := []*Escrow{
		h.held(t, bounty(testAuthor, "15.00", 1)),
		h.held(t, bounty(testAuthor, "16.00", 1)),
		h.held(t, bounty(testAuthor, "17.00", 1)),
	}
	h.advance(time.Minute)
	later := h.held(t, bounty("", "20.00", 1))
	h.advance(25 * time.Hour)

	sweeper := NewSweeper(h.svc, h.store, nil).WithBatch(2, 1)
	for pass := 0; pass < 2; pass++ {
		res, err := sweeper.ProcessExpiredEscrows(ctx)
		if err != nil {
			t.Fatalf("sweep %d failed: %v", pass, err)
		}
		if pass == 0 && (res.Scanned != 4 || res.Skipped != 3 || res.Refunded != 1) {
			t.Fatalf("unexpected first sweep result %+v", res)
		}
		if pass == 1 && (res.Scanned != 3 || res.Skipped != 3) {
			t.Fatalf("unexpected second sweep result %+v", res)
		}
	}

	got, _ := h.svc.Get(ctx, later.ID)
	if got.Status != StatusRefunded {
		t.Errorf("escrow behind skipped ones = %s, want refunded", got.Status)
	}
	for _, e := range unpayable {
		if got, _ := h.svc.Get(ctx, e.ID); got.Status != StatusHeld {
			t.Errorf("unpayable escrow %s = %s, want held", e.ID, got.Status)
		}
	}
}

func TestMemoryStore_DueCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.held(t, bounty(testExpert, "10.00", 1))
	}
	now := h.clock().Add(48 * time.Hour)

	var seen []string
	var cursor *ScanCursor
	for {
		page, err := h.store.ListDueForAutoRelease(ctx, now, cursor, 2)
		if err != nil {
			t.Fatalf("ListDueForAutoRelease: %v", err)
		}
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		cursor = &ScanCursor{At: *last.AutoReleaseAt, ID: last.ID}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 escrows across pages, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("pages out of order or repeated: %v", seen)
		}
	}
}

func TestEscrow_ConcurrentReleaseMovesMoneyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "200.00", 1))
	h.advance(25 * time.Hour)

	sweeper := NewSweeper(h.svc, h.store, nil)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Release(ctx, e.ID, testPayer, "manual")
			if err != nil && !errors.Is(err, ErrPreconditionFailed) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := sweeper.ProcessExpiredEscrows(ctx)
		if err != nil {
			t.Errorf("sweep failed: %v", err)
			return
		}
		mu.Lock()
		successes += res.Released
		mu.Unlock()
	}()
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one successful release, got %d", successes)
	}
	if n := h.gw.Calls("transfer"); n != 1 {
		t.Errorf("expected exactly one transfer call, got %d", n)
	}
	got, _ := h.svc.Get(ctx, e.ID)
	if got.Status != StatusReleased {
		t.Errorf("expected released, got %s", got.Status)
	}
}

func TestEscrow_RetryableTransferFailureKeepsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "100.00", 7))

	h.gw.FailNext("transfer", &processor.Error{Method: "transfer", Message: "connection reset", Retryable: true})
	_, err := h.svc.Release(ctx, e.ID, testPayer, "")
	if !errors.Is(err, ErrProcessor) {
		t.Fatalf("expected ErrProcessor, got %v", err)
	}

	stored, _ := h.svc.Get(ctx, e.ID)
	if stored.Status != StatusHeld || stored.Settlement == nil || stored.Settlement.Op != OpRelease {
		t.Fatalf("expected held escrow with release claim, got %s %+v", stored.Status, stored.Settlement)
	}
	if _, err := h.svc.Dispute(ctx, e.ID, testExpert, "where is my money"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("dispute during settlement must fail, got %v", err)
	}
	if _, err := h.svc.Refund(ctx, e.ID, testPayer, "refund instead"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("refund during settlement must fail, got %v", err)
	}

	h.advance(3 * time.Minute)
	if _, err := h.svc.Refund(ctx, e.ID, testPayer, "refund instead"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("an expired release claim must not be taken over by refund, got %v", err)
	}
	released, err := h.svc.Release(ctx, e.ID, testPayer, "")
	if err != nil {
		t.Fatalf("release should take over its own expired claim: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected released, got %s", released.Status)
	}
	if len(h.gw.Refunds()) != 0 {
		t.Error("no refund may be issued")
	}
}

func TestEscrow_DefinitiveTransferFailureDropsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "100.00", 7))

	h.gw.FailNext("transfer", &processor.Error{Method: "transfer", Code: "account_invalid", Message: "destination closed"})
	_, err := h.svc.Release(ctx, e.ID, testPayer, "")
	var pe *processor.Error
	if !errors.Is(err, ErrProcessor) || !errors.As(err, &pe) || pe.Code != "account_invalid" {
		t.Fatalf("expected wrapped processor error, got %v", err)
	}

	stored, _ := h.svc.Get(ctx, e.ID)
	if stored.Status != StatusHeld || stored.Settlement != nil {
		t.Fatalf("expected held unclaimed escrow, got %s %+v", stored.Status, stored.Settlement)
	}
	if _, err := h.svc.Refund(ctx, e.ID, testPayer, "payee account closed"); err != nil {
		t.Errorf("refund should proceed after a definitive failure: %v", err)
	}
}

// landedThenCanceled performs a transfer at the processor but reports the
// call as canceled, the way a dropped connection surfaces after the
// request was already accepted.
type landedThenCanceled struct {
	*processor.Fake
}

func (g landedThenCanceled) Transfer(ctx context.Context, p processor.TransferParams) (string, error) {
	if _, err := g.Fake.Transfer(ctx, p); err != nil {
		return "", err
	}
	return "", &processor.Error{Method: "transfer", Code: "canceled", Err: context.Canceled}
}

func TestEscrow_CanceledTransferKeepsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "100.00", 7))

	svc := NewService(h.store, h.dir, landedThenCanceled{h.gw}, nil).WithClock(h.clock)
	if _, err := svc.Release(ctx, e.ID, testPayer, ""); !errors.Is(err, ErrProcessor) {
		t.Fatalf("expected ErrProcessor, got %v", err)
	}

	stored, _ := svc.Get(ctx, e.ID)
	if stored.Settlement == nil || stored.Settlement.Op != OpRelease {
		t.Fatalf("canceled transfer must keep the release claim, got %+v", stored.Settlement)
	}
	if _, err := svc.Refund(ctx, e.ID, testPayer, "changed my mind"); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("refund after an in-doubt transfer must fail, got %v", err)
	}
	if len(h.gw.Transfers()) != 1 || len(h.gw.Refunds()) != 0 {
		t.Fatalf("expected one transfer and no refund, got %d / %d", len(h.gw.Transfers()), len(h.gw.Refunds()))
	}

	// Once the lease lapses the release resumes with the same idempotency key.
	h.advance(3 * time.Minute)
	released, err := h.svc.Release(ctx, e.ID, testPayer, "")
	if err != nil {
		t.Fatalf("release should resume: %v", err)
	}
	if released.Status != StatusReleased || len(h.gw.Transfers()) != 1 {
		t.Errorf("expected released with a single transfer, got %s / %d", released.Status, len(h.gw.Transfers()))
	}
}

// cancelingGateway cancels the caller's request context as the processor
// call starts and records whether the call itself saw the cancellation.
type cancelingGateway struct {
	*processor.Fake
	cancel context.CancelFunc
	sawErr error
}

func (g *cancelingGateway) Transfer(ctx context.Context, p processor.TransferParams) (string, error) {
	g.cancel()
	g.sawErr = ctx.Err()
	return g.Fake.Transfer(ctx, p)
}

func (g *cancelingGateway) Refund(ctx context.Context, p processor.RefundParams) (string, error) {
	g.cancel()
	g.sawErr = ctx.Err()
	return g.Fake.Refund(ctx, p)
}

func TestEscrow_SettlementSurvivesCallerCancellation(t *testing.T) {
	for _, op := range []string{"release", "refund"} {
		t.Run(op, func(t *testing.T) {
			h := newHarness(t)
			e := h.held(t, bounty(testExpert, "100.00", 7))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			gw := &cancelingGateway{Fake: h.gw, cancel: cancel}
			svc := NewService(h.store, h.dir, gw, nil).WithClock(h.clock)

			var got *Escrow
			var err error
			if op == "release" {
				got, err = svc.Release(ctx, e.ID, testPayer, "")
			} else {
				got, err = svc.Refund(ctx, e.ID, testPayer, "no longer needed")
			}
			if err != nil {
				t.Fatalf("%s failed: %v", op, err)
			}
			if gw.sawErr != nil {
				t.Errorf("processor call saw the caller's cancellation: %v", gw.sawErr)
			}
			if got.Status != StatusReleased && got.Status != StatusRefunded {
				t.Errorf("expected a settled escrow, got %s", got.Status)
			}
		})
	}
}

func TestEscrow_HooksFireAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.held(t, bounty(testExpert, "10.00", 7))
	if _, err := h.svc.Release(ctx, a.ID, testPayer, ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	b := h.create(t, bounty(testExpert, "10.00", 7))
	if _, err := h.svc.Expire(ctx, b.ID, ""); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	h.svc.WaitHooks()

	want := map[string]bool{"held:" + a.ID: true, "released:" + a.ID: true, "expired:" + b.ID: true}
	got := h.hooks.list()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for _, ev := range got {
		if !want[ev] {
			t.Errorf("unexpected event %s", ev)
		}
	}
}

type panickingHooks struct{ recordingHooks }

func (p *panickingHooks) OnEscrowHeld(context.Context, *Escrow) { panic("boom") }

func TestEscrow_HookPanicDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.svc.WithHooks(&panickingHooks{})
	e := h.held(t, bounty(testExpert, "10.00", 7))
	h.svc.WaitHooks()
	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
}

func TestEscrow_View(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.held(t, bounty(testExpert, "200.00", 1))

	tests := []struct {
		viewer                string
		release, refund, disp bool
	}{
		{testPayer, true, true, true},
		{testExpert, false, false, true},
		{testAuthor, true, false, false},
	}
	for _, tt := range tests {
		v, err := h.svc.View(ctx, e.ID, tt.viewer, false)
		if err != nil {
			t.Fatalf("View(%s) failed: %v", tt.viewer, err)
		}
		if v.CanRelease != tt.release || v.CanRefund != tt.refund || v.CanDispute != tt.disp {
			t.Errorf("viewer %s: got release=%v refund=%v dispute=%v", tt.viewer, v.CanRelease, v.CanRefund, v.CanDispute)
		}
		if !v.IsExpiringSoon || v.TimeUntilAutoRelease != "1d 0h" {
			t.Errorf("viewer %s: expected expiring soon with 1d 0h, got %v %q", tt.viewer, v.IsExpiringSoon, v.TimeUntilAutoRelease)
		}
		if !v.PlatformFeeAmount.Equal(amount("10")) || !v.PayeeAmount.Equal(amount("190")) {
			t.Errorf("unexpected quote %s / %s", v.PlatformFeeAmount, v.PayeeAmount)
		}
	}

	if _, err := h.svc.View(ctx, e.ID, testStranger, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for stranger, got %v", err)
	}
	if _, err := h.svc.View(ctx, e.ID, testStranger, true); err != nil {
		t.Errorf("admin should see any escrow: %v", err)
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Minute, "Expired"},
		{0, "Expired"},
		{5*time.Hour + 30*time.Minute, "5h"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatRemaining(tt.d); got != tt.want {
			t.Errorf("formatRemaining(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestEscrow_ListByUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.create(t, bounty(testExpert, "10.00", 0)).ID)
		h.advance(time.Minute)
	}
	h.held(t, bounty("", "10.00", 0))

	page, err := h.svc.ListByUser(ctx, testPayer, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(page.Escrows) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d %q", len(page.Escrows), page.NextCursor)
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		p, err := h.svc.ListByUser(ctx, testPayer, ListFilter{Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("ListByUser failed: %v", err)
		}
		for _, e := range p.Escrows {
			if seen[e.ID] {
				t.Fatalf("duplicate %s across pages", e.ID)
			}
			seen[e.ID] = true
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if len(seen) != 6 {
		t.Errorf("expected 6 escrows across pages, got %d", len(seen))
	}

	asPayee, _ := h.svc.ListByUser(ctx, testExpert, ListFilter{Role: RolePayee})
	if len(asPayee.Escrows) != 5 {
		t.Errorf("expected 5 escrows as payee, got %d", len(asPayee.Escrows))
	}
	held, _ := h.svc.ListByUser(ctx, testPayer, ListFilter{Status: StatusHeld})
	if len(held.Escrows) != 1 {
		t.Errorf("expected 1 held escrow, got %d", len(held.Escrows))
	}

	if _, err := h.svc.ListByUser(ctx, testPayer, ListFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for bad status, got %v", err)
	}
	if _, err := h.svc.ListByUser(ctx, testPayer, ListFilter{Role: "judge"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for bad role, got %v", err)
	}
	if _, err := h.svc.ListByUser(ctx, testPayer, ListFilter{Cursor: "%%%"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for bad cursor, got %v", err)
	}
}

func TestEscrow_Stats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	released := h.held(t, bounty(testExpert, "200.00", 0))
	if _, err := h.svc.Release(ctx, released.ID, testPayer, ""); err != nil {
		t.Fatal(err)
	}
	refunded := h.held(t, bounty(testExpert, "50.00", 0))
	if _, err := h.svc.Refund(ctx, refunded.ID, testPayer, "no answer"); err != nil {
		t.Fatal(err)
	}
	h.held(t, bounty(testExpert, "30.00", 0))
	h.create(t, bounty(testExpert, "5.00", 0))

	st, err := h.svc.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Total != 4 || st.ByStatus[StatusPending] != 1 {
		t.Errorf("unexpected counts %+v", st)
	}
	if !st.HeldAmount.Equal(amount("30")) || !st.ReleasedAmount.Equal(amount("200")) ||
		!st.RefundedAmount.Equal(amount("50")) || !st.PlatformFees.Equal(amount("10")) {
		t.Errorf("unexpected amounts %+v", st)
	}

	if _, err := h.svc.Stats(ctx, "XYZ"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{ErrNotFound, "not_found"},
		{fmt.Errorf("x: %w", ErrInvalidAmount), "invalid"},
		{ErrForbidden, "forbidden"},
		{ErrPreconditionFailed, "precondition_failed"},
		{ErrConflict, "conflict"},
		{fmt.Errorf("%w: transfer: %w", ErrProcessor, errors.New("boom")), "processor_error"},
		{errors.New("db down"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
