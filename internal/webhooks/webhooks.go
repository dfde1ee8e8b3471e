// Package webhooks delivers escrow lifecycle events to user-registered URLs.
//
// Users subscribe URLs to:
//   - escrow.held
//   - escrow.released
//   - escrow.refunded
//   - escrow.disputed
//   - escrow.expired
//
// Deliveries are signed with HMAC-SHA256 over the raw body using the
// subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
	"github.com/mbd888/bountyescrow/internal/retry"
	"github.com/mbd888/bountyescrow/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventEscrowHeld     EventType = "escrow.held"
	EventEscrowReleased EventType = "escrow.released"
	EventEscrowRefunded EventType = "escrow.refunded"
	EventEscrowDisputed EventType = "escrow.disputed"
	EventEscrowExpired  EventType = "escrow.expired"
)

// AllEvents lists every event a subscription can select.
var AllEvents = []EventType{
	EventEscrowHeld,
	EventEscrowReleased,
	EventEscrowRefunded,
	EventEscrowDisputed,
	EventEscrowExpired,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range AllEvents {
		if e == t {
			return true
		}
	}
	return false
}

// Delivery headers.
const (
	HeaderEvent     = "X-Bountyescrow-Event"
	HeaderTimestamp = "X-Bountyescrow-Timestamp"
	HeaderSignature = "X-Bountyescrow-Signature"
)

// MaxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned for unknown subscriptions and for subscriptions
// owned by someone else.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID               string      `json:"id"`
	UserID           string      `json:"userId"`
	URL              string      `json:"url"`
	Secret           string      `json:"-"`
	Events           []EventType `json:"events"`
	Active           bool        `json:"active"`
	ConsecutiveFails int         `json:"consecutiveFails"`
	LastSuccess      *time.Time  `json:"lastSuccess,omitempty"`
	LastError        string      `json:"lastError,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// Wants reports whether the subscription selected t.
func (s *Subscription) Wants(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	// Delete removes a subscription owned by userID.
	Delete(ctx context.Context, id, userID string) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure bumps the failure streak and deactivates the
	// subscription once it reaches maxFails.
	RecordFailure(ctx context.Context, id, msg string, maxFails int) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	policy       retry.Policy
	urlValidator func(context.Context, string) error
	logger       *slog.Logger
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		urlValidator: security.NewEndpointPolicy(false).Check,
		logger:       logging.OrDiscard(logger),
	}
}

// WithEndpointPolicy re-checks every delivery URL against p.
func (d *Dispatcher) WithEndpointPolicy(p *security.EndpointPolicy) *Dispatcher {
	d.urlValidator = p.Check
	return d
}

// WithRetryPolicy overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// DispatchToUsers delivers event to every active subscription of the
// given users that selected its type. It blocks until all deliveries
// finish.
func (d *Dispatcher) DispatchToUsers(ctx context.Context, userIDs []string, event *Event) error {
	seen := make(map[string]bool, len(userIDs))
	var targets []*Subscription
	for _, uid := range userIDs {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		subs, err := d.store.ListByUser(ctx, uid)
		if err != nil {
			return fmt.Errorf("failed to get subscriptions: %w", err)
		}
		for _, sub := range subs {
			if sub.Active && sub.Wants(event.Type) {
				targets = append(targets, sub)
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, sub, event, payload)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.send(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscriptionId", sub.ID, "event", event.Type, "eventId", event.ID, "error", err)
		if recErr := d.store.RecordFailure(ctx, sub.ID, truncate(err.Error(), 500), MaxConsecutiveFailures); recErr != nil {
			d.logger.Warn("failed to record webhook failure", "subscriptionId", sub.ID, "error", recErr)
		}
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	if recErr := d.store.RecordSuccess(ctx, sub.ID, time.Now().UTC()); recErr != nil {
		d.logger.Warn("failed to record webhook success", "subscriptionId", sub.ID, "error", recErr)
	}
}

// send makes one delivery attempt. Client errors are permanent.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.urlValidator(ctx, sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// MemoryStore is an in-memory implementation for demo/development mode
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []*Subscription{}
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Delete(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.UserID != userID {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFails = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, msg string, maxFails int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastError = msg
	sub.ConsecutiveFails++
	if maxFails > 0 && sub.ConsecutiveFails >= maxFails {
		sub.Active = false
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
