package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akiyama/feedpipe/internal/feed"
	"github.com/akiyama/feedpipe/internal/metrics"
	"github.com/akiyama/feedpipe/internal/middleware"
	"github.com/akiyama/feedpipe/internal/model"
)

// mockPinger はDBPingerのテスト用モック。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// newTestRouter は全依存をモックで組んだルーターを返す。
func newTestRouter(t *testing.T, pingErr error) http.Handler {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	collector.RecordPollSuccess("feed-1")

	return NewRouter(&RouterDeps{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		RateLimiter: rl,
		FeedService: &mockFeedService{
			listFunc: func(ctx context.Context) ([]*feed.FeedHealth, error) {
				return nil, nil
			},
		},
		ItemService: &mockItemService{
			listFunc: func(ctx context.Context, feedID string, limit int) ([]*model.Item, error) {
				return nil, nil
			},
		},
		DeadLetterLister: &mockDeadLetterLister{
			listFunc: func(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
				return nil, nil
			},
		},
		DB:       &mockPinger{err: pingErr},
		Gatherer: registry,
	})
}

// TestRouter_Routes は主要ルートが配線されていることを検証する。
func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(t, nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/feeds", http.StatusOK},
		{http.MethodGet, "/api/feeds/feed-1/items", http.StatusOK},
		{http.MethodGet, "/api/deadletters", http.StatusOK},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.RemoteAddr = "192.0.2.1:12345"
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// TestRouter_MetricsEndpoint は/metricsがPrometheus形式で公開されることを検証する。
func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "feedpipe_poll_success_total") {
		t.Error("expected feedpipe_poll_success_total in metrics output")
	}
}

// TestRouter_HealthUnhealthy はDB疎通失敗時に503が返ることを検証する。
func TestRouter_HealthUnhealthy(t *testing.T) {
	router := newTestRouter(t, errors.New("connection refused"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// TestRouter_SecurityHeaders はAPIレスポンスにセキュリティヘッダーが付与されることを検証する。
func TestRouter_SecurityHeaders(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
