package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/akiyama/feedpipe/internal/metrics"
	"github.com/akiyama/feedpipe/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	FeedService      FeedServiceInterface
	ItemService      ItemServiceInterface
	DeadLetterLister DeadLetterListerInterface
	DB               DBPinger

	// Prometheusメトリクスの収集元。
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	feedHandler := NewFeedHandler(deps.FeedService)
	itemHandler := NewItemHandler(deps.ItemService)
	dlHandler := NewDeadLetterHandler(deps.DeadLetterLister)
	healthHandler := NewHealthHandler(deps.DB)

	// --- 運用ルート（レート制限外） ---

	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.SetupMetricsRoute(deps.Gatherer))

	// --- APIルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/feeds", func(r chi.Router) {
			// POST /api/feeds - フィード登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.FeedRegistrationMiddleware()).Post("/", feedHandler.RegisterFeed)
			r.Get("/", feedHandler.ListFeeds)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", feedHandler.GetFeed)
				r.Delete("/", feedHandler.DeleteFeed)

				// GET /api/feeds/{id}/items - フィードごとの記事一覧
				r.Get("/items", itemHandler.ListItems)
			})
		})

		r.Get("/api/items/{id}", itemHandler.GetItem)

		// デッドレター調査
		r.Get("/api/deadletters", dlHandler.ListDeadLetters)
	})

	return r
}
