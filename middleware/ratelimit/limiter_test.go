package ratelimit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"marketplace-gateway/middleware/ratelimit/application"
	"marketplace-gateway/middleware/ratelimit/domain"
	"marketplace-gateway/middleware/ratelimit/infra"

	"github.com/alicebob/miniredis/v2"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// limiter só com o store local (sem Redis).
func newLocalLimiter(t *testing.T, clock *testClock) (*Limiter, *infra.Store) {
	t.Helper()
	store := infra.NewStore()
	svc, err := application.NewService(nil, nil, store,
		application.WithClock(clock.Now),
		application.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return NewLimiter(svc, quietLogger()), store
}

// limiter com Redis (miniredis) como primário.
func newRedisLimiter(t *testing.T, clock *testClock) (*Limiter, *miniredis.Miniredis, *infra.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := infra.NewClient(infra.ClientConfig{URL: "redis://" + mr.Addr()},
		infra.WithClientLogger(quietLogger()))
	t.Cleanup(func() { _ = client.Close() })

	fallback := infra.NewStore()
	svc, err := application.NewService(infra.NewRedisStore(client), client, fallback,
		application.WithClock(clock.Now),
		application.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return NewLimiter(svc, quietLogger()), mr, fallback
}

func requestFrom(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "http://example/api/tasks", nil)
	if ip != "" {
		r.Header.Set("X-Forwarded-For", ip)
	}
	return r
}

var scenarioCfg = domain.Config{Name: "scenario", Window: 60 * time.Second, MaxRequests: 3}

func assertScenario(t *testing.T, l *Limiter, clock *testClock) {
	t.Helper()
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		r := requestFrom("1.2.3.4")
		if rj := l.Check(r, scenarioCfg, ""); rj != nil {
			t.Fatalf("call %d: expected allowed, got %d", i+1, rj.Status)
		}
		h := make(http.Header)
		l.EnrichSuccess(ctx, h, scenarioCfg, "1.2.3.4")
		if got := h.Get(HeaderRemaining); got != strconv.Itoa(want) {
			t.Fatalf("call %d: expected remaining=%d, got %q", i+1, want, got)
		}
		clock.Advance(100 * time.Millisecond)
	}

	rj := l.Check(requestFrom("1.2.3.4"), scenarioCfg, "")
	if rj == nil {
		t.Fatalf("call 4: expected rejection")
	}
	if rj.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rj.Status)
	}
	if rj.Header.Get(HeaderRemaining) != "0" {
		t.Fatalf("expected remaining 0, got %q", rj.Header.Get(HeaderRemaining))
	}
	if rj.Body.RetryAfter <= 0 || rj.Body.RetryAfter > 60 {
		t.Fatalf("expected retryAfter in (0,60], got %d", rj.Body.RetryAfter)
	}
	if rj.Header.Get(HeaderRetryAfter) != strconv.FormatInt(rj.Body.RetryAfter, 10) {
		t.Fatalf("expected Retry-After header to match body, got %q", rj.Header.Get(HeaderRetryAfter))
	}
}

func TestLimiter_ScenarioLocal(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, _ := newLocalLimiter(t, clock)
	assertScenario(t, l, clock)
}

func TestLimiter_ScenarioRedis(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, _, fallback := newRedisLimiter(t, clock)
	assertScenario(t, l, clock)

	if fallback.Len() != 0 {
		t.Fatalf("expected fallback untouched while redis is up, got %d entries", fallback.Len())
	}
}

func TestLimiter_RejectionIsIdempotent(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, _, _ := newRedisLimiter(t, clock)
	cfg := domain.Config{Name: "x", Window: time.Minute, MaxRequests: 1}

	if rj := l.Check(requestFrom("5.5.5.5"), cfg, ""); rj != nil {
		t.Fatalf("expected first call allowed")
	}
	clock.Advance(time.Second)
	first := l.Check(requestFrom("5.5.5.5"), cfg, "")
	second := l.Check(requestFrom("5.5.5.5"), cfg, "")
	if first == nil || second == nil {
		t.Fatalf("expected both calls rejected")
	}
	if first.Header.Get(HeaderReset) != second.Header.Get(HeaderReset) {
		t.Fatalf("expected same reset, got %q and %q", first.Header.Get(HeaderReset), second.Header.Get(HeaderReset))
	}
}

func TestLimiter_AuthIDSharesCounterAcrossIPs(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, _ := newLocalLimiter(t, clock)
	cfg := domain.Config{Name: "x", Window: time.Minute, MaxRequests: 1}

	if rj := l.Check(requestFrom("1.1.1.1"), cfg, "user-7"); rj != nil {
		t.Fatalf("expected first call allowed")
	}
	if rj := l.Check(requestFrom("2.2.2.2"), cfg, "user-7"); rj == nil {
		t.Fatalf("expected same user with spoofed ip to share the counter")
	}
}

func TestLimiter_AnonymousIPsAreIndependent(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, _ := newLocalLimiter(t, clock)
	cfg := domain.Config{Name: "x", Window: time.Minute, MaxRequests: 1}

	if rj := l.Check(requestFrom("1.1.1.1"), cfg, ""); rj != nil {
		t.Fatalf("expected first ip allowed")
	}
	if rj := l.Check(requestFrom("2.2.2.2"), cfg, ""); rj != nil {
		t.Fatalf("expected second ip allowed")
	}
}

func TestLimiter_FallsBackWhenRedisGoesDown(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, mr, fallback := newRedisLimiter(t, clock)
	cfg := domain.Config{Name: "x", Window: time.Minute, MaxRequests: 2}

	if rj := l.Check(requestFrom("3.3.3.3"), cfg, ""); rj != nil {
		t.Fatalf("expected allowed while redis is up")
	}

	mr.Close()

	// o fallback começa do zero: a cota inteira volta a estar disponível
	for i := 0; i < 2; i++ {
		if rj := l.Check(requestFrom("3.3.3.3"), cfg, ""); rj != nil {
			t.Fatalf("call %d: expected allowed on fallback", i+1)
		}
	}
	if rj := l.Check(requestFrom("3.3.3.3"), cfg, ""); rj == nil {
		t.Fatalf("expected fallback to enforce the quota")
	}
	if fallback.Len() != 1 {
		t.Fatalf("expected 1 fallback entry, got %d", fallback.Len())
	}
}

func TestLimiter_EnrichSuccessSwallowsErrors(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, _ := newLocalLimiter(t, clock)

	h := make(http.Header)
	l.EnrichSuccess(context.Background(), h, domain.Config{Name: "broken"}, "k")
	if len(h) != 0 {
		t.Fatalf("expected headers untouched on failure, got %v", h)
	}
}

func TestRejection_Write(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rj := newRejection(domain.Decision{Limit: 5, ResetTime: now.Add(1500 * time.Millisecond)}, now)

	w := httptest.NewRecorder()
	rj.Write(w)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	if got := w.Header().Get(HeaderLimit); got != "5" {
		t.Fatalf("expected limit 5, got %q", got)
	}
	if got := w.Header().Get(HeaderReset); got != "1700000001500" {
		t.Fatalf("expected reset in epoch ms, got %q", got)
	}
	if got := w.Header().Get(HeaderRetryAfter); got != "2" {
		t.Fatalf("expected Retry-After=2 (ceil of 1.5s), got %q", got)
	}

	var body RejectionBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != RejectionMessage || body.Code != RejectionCode || body.RetryAfter != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRetryAfterSeconds_NeverZero(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	if got := retryAfterSeconds(now, now); got != 1 {
		t.Fatalf("expected 1 for reset==now, got %d", got)
	}
	if got := retryAfterSeconds(now.Add(-time.Second), now); got != 1 {
		t.Fatalf("expected 1 for reset in the past, got %d", got)
	}
	if got := retryAfterSeconds(now.Add(60*time.Second), now); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
}
