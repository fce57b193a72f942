package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// testRateLimiterConfig はテスト用の小さなバーストを持つ設定を返す。
func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(1.0), // 1 req/sec
		GeneralBurst:    3,
		FeedRegRate:     rate.Limit(1.0),
		FeedRegBurst:    2,
		CleanupInterval: time.Hour,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// TestGeneralMiddleware_AllowsWithinBurst はバースト内のリクエストが許可されることを検証する。
func TestGeneralMiddleware_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}
}

// TestGeneralMiddleware_RejectsOverBurst はバースト超過で429が返ることを検証する。
func TestGeneralMiddleware_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

// TestGeneralMiddleware_IsolatesClients はクライアントIPごとに独立して制限されることを検証する。
func TestGeneralMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// 1つ目のクライアントでバーストを使い切る
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	// 別のクライアントは影響を受けない
	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.RemoteAddr = "192.0.2.2:54321"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for different client", w.Code)
	}

	if count := rl.GeneralLimiterCount(); count != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", count)
	}
}

// TestFeedRegistrationMiddleware_IndependentLimit はフィード登録制限がAPI全般と独立であることを検証する。
func TestFeedRegistrationMiddleware_IndependentLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	feedReg := rl.FeedRegistrationMiddleware()(okHandler())

	// フィード登録のバースト（2）を使い切る
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/feeds", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		feedReg.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/feeds", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	w := httptest.NewRecorder()
	feedReg.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("feed registration status = %d, want 429", w.Code)
	}

	// API全般のリミッターはまだ許可する
	req = httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	w = httptest.NewRecorder()
	general.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("general status = %d, want 200", w.Code)
	}
}

// TestClientKey_PrefersForwardedFor はX-Forwarded-Forの先頭IPが優先されることを検証する。
func TestClientKey_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientKey(req); got != "203.0.113.7" {
		t.Errorf("clientKey() = %q, want %q", got, "203.0.113.7")
	}
}

// TestClientKey_FallsBackToRemoteAddr はXFFがない場合にRemoteAddrのホスト部が使われることを検証する。
func TestClientKey_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:8080"

	if got := clientKey(req); got != "192.0.2.9" {
		t.Errorf("clientKey() = %q, want %q", got, "192.0.2.9")
	}
}

// TestCleanup_RemovesStaleEntries は期限切れエントリが削除されることを検証する。
func TestCleanup_RemovesStaleEntries(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.getOrCreateGeneralLimiter("192.0.2.1")

	// lastAccessを過去に巻き戻してクリーンアップ対象にする
	rl.generalMu.Lock()
	rl.generalLimiters["192.0.2.1"].lastAccess = time.Now().Add(-time.Hour)
	rl.generalMu.Unlock()

	rl.cleanup()

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("GeneralLimiterCount() = %d after cleanup, want 0", count)
	}
}
