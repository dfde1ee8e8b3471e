package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyescrow/internal/auth"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newLimiter(t *testing.T, cfg Config) (*Limiter, *manualClock) {
	t.Helper()
	clk := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cfg).withClock(clk.Now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiterBurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if !l.Allow("usr_a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("usr_a") {
		t.Fatal("request after burst should be denied")
	}

	clk.Advance(time.Second)
	if !l.Allow("usr_a") {
		t.Error("one token should refill after a second at 60/min")
	}
	if l.Allow("usr_a") {
		t.Error("only one token should have refilled")
	}
}

func TestLimiterSeparateKeys(t *testing.T) {
	l, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("usr_a")
	}
	if l.Allow("usr_a") {
		t.Error("usr_a should be limited")
	}
	if !l.Allow("usr_b") {
		t.Error("usr_b should not share usr_a's bucket")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	l, clk := newLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	l.Allow("k")
	clk.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected burst of 2 after long idle, got %d", allowed)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	l.Stop()

	def := DefaultConfig()
	if l.cfg.RequestsPerMinute != def.RequestsPerMinute || l.cfg.SettleBurst != def.SettleBurst {
		t.Errorf("defaults not applied: %+v", l.cfg)
	}
}

type harness struct {
	t        *testing.T
	r        *gin.Engine
	verifier *auth.Verifier
	clk      *manualClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, clk := newLimiter(t, cfg)

	verifier := auth.NewVerifier("test-secret")
	r := gin.New()
	r.Use(auth.Middleware(verifier), l.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/v1/escrows/:id", ok)
	r.POST("/v1/escrows", ok)
	r.POST("/v1/escrows/:id/release", ok)
	r.POST("/v1/webhooks/stripe", ok)
	return &harness{t: t, r: r, verifier: verifier, clk: clk}
}

func (h *harness) call(method, path, userID string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		token, err := h.verifier.Issue(userID, auth.RoleUser, time.Hour)
		if err != nil {
			h.t.Fatalf("Issue failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareKeysByUser(t *testing.T) {
	h := newHarness(t, Config{RequestsPerMinute: 1, BurstSize: 1})

	if w := h.call(http.MethodGet, "/v1/escrows/esc_1", "usr_a"); w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	w := h.call(http.MethodGet, "/v1/escrows/esc_1", "usr_a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request for same user = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	// Same IP, different user: separate bucket.
	if w := h.call(http.MethodGet, "/v1/escrows/esc_1", "usr_b"); w.Code != http.StatusOK {
		t.Errorf("other user = %d, want 200", w.Code)
	}
	if w := h.call(http.MethodGet, "/v1/escrows/esc_1", ""); w.Code != http.StatusOK {
		t.Errorf("anonymous = %d, want 200", w.Code)
	}
}

func TestMiddlewareSettlementBudget(t *testing.T) {
	h := newHarness(t, Config{
		RequestsPerMinute:       600,
		BurstSize:               50,
		SettleRequestsPerMinute: 6,
		SettleBurst:             2,
	})

	codes := []int{
		h.call(http.MethodPost, "/v1/escrows", "usr_a").Code,
		h.call(http.MethodPost, "/v1/escrows/esc_1/release", "usr_a").Code,
		h.call(http.MethodPost, "/v1/escrows", "usr_a").Code,
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("settlement call %d = %d, want %d", i, codes[i], want[i])
		}
	}

	// Reads still pass while the settlement bucket is empty.
	if w := h.call(http.MethodGet, "/v1/escrows/esc_1", "usr_a"); w.Code != http.StatusOK {
		t.Errorf("read after settlement limit = %d, want 200", w.Code)
	}

	h.clk.Advance(10 * time.Second)
	if w := h.call(http.MethodPost, "/v1/escrows", "usr_a"); w.Code != http.StatusOK {
		t.Errorf("settlement after refill = %d, want 200", w.Code)
	}
}

func TestMiddlewareExemptsProcessorCallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 1
	cfg.BurstSize = 1
	h := newHarness(t, cfg)

	for i := 0; i < 5; i++ {
		if w := h.call(http.MethodPost, "/v1/webhooks/stripe", ""); w.Code != http.StatusOK {
			t.Fatalf("callback %d = %d, want 200", i, w.Code)
		}
	}
}
