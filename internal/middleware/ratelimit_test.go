package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
	"golang.org/x/time/rate"
)

func testRateLimiterConfig(loginBurst, generalBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		LoginRate:       rate.Limit(1.0 / 60.0),
		LoginBurst:      loginBurst,
		GeneralRate:     rate.Limit(1.0 / 60.0),
		GeneralBurst:    generalBurst,
		CleanupInterval: time.Minute,
	}
}

func loginRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = remoteAddr
	return req
}

// TestLoginMiddleware_LimitsPerIP は接続元IPごとに制限されることを検証する。
func TestLoginMiddleware_LimitsPerIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 10))
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, loginRequest("198.51.100.1:5000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	// 同じIPの別ポートも同一キー
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, loginRequest("198.51.100.1:6000"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want %q", got, "60")
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimitExceeded)
	}

	// 別IPは影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, loginRequest("198.51.100.2:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", w.Code, http.StatusOK)
	}

	if rl.LoginLimiterCount() != 2 {
		t.Errorf("LoginLimiterCount = %d, want 2", rl.LoginLimiterCount())
	}
}

// TestGeneralMiddleware_LimitsPerUser はユーザー単位で制限されることを検証する。
func TestGeneralMiddleware_LimitsPerUser(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	send := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("user-1"); code != http.StatusOK {
		t.Errorf("first request: status = %d, want %d", code, http.StatusOK)
	}
	if code := send("user-1"); code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want %d", code, http.StatusTooManyRequests)
	}
	if code := send("user-2"); code != http.StatusOK {
		t.Errorf("other user: status = %d, want %d", code, http.StatusOK)
	}
}

func TestGeneralMiddleware_RequiresUser(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 10))
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestRateLimiter_CleanupEvictsIdleEntries は古いエントリが削除されることを検証する。
func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 10))
	defer rl.Stop()

	rl.login.get("198.51.100.1")
	rl.login.get("198.51.100.2")
	rl.general.get("user-1")

	rl.login.mu.Lock()
	rl.login.limiters["198.51.100.1"].lastAccess = time.Now().Add(-3 * time.Minute)
	rl.login.mu.Unlock()

	rl.cleanup()

	if rl.LoginLimiterCount() != 1 {
		t.Errorf("LoginLimiterCount = %d, want 1", rl.LoginLimiterCount())
	}
	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", rl.GeneralLimiterCount())
	}
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := NewRateLimiterConfig(30, 90)
	if cfg.LoginBurst != 30 || cfg.GeneralBurst != 90 {
		t.Errorf("bursts = %d/%d, want 30/90", cfg.LoginBurst, cfg.GeneralBurst)
	}
	if cfg.LoginRate != rate.Limit(0.5) {
		t.Errorf("LoginRate = %v, want 0.5", cfg.LoginRate)
	}

	def := DefaultRateLimiterConfig()
	if def.LoginBurst != 20 || def.GeneralBurst != 120 {
		t.Errorf("default bursts = %d/%d, want 20/120", def.LoginBurst, def.GeneralBurst)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.5:443", "203.0.113.5"},
		{"[2001:db8::1]:8080", "2001:db8::1"},
		{"203.0.113.5", "203.0.113.5"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := ClientIP(req); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
