// Package app はアプリケーションの起動とワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/akiyama/feedpipe/internal/config"
	"github.com/akiyama/feedpipe/internal/database"
	"github.com/akiyama/feedpipe/internal/feed"
	"github.com/akiyama/feedpipe/internal/handler"
	"github.com/akiyama/feedpipe/internal/item"
	"github.com/akiyama/feedpipe/internal/logger"
	"github.com/akiyama/feedpipe/internal/metrics"
	"github.com/akiyama/feedpipe/internal/middleware"
	"github.com/akiyama/feedpipe/internal/repository"
	"github.com/akiyama/feedpipe/internal/security"
	"github.com/akiyama/feedpipe/internal/worker/cleanup"
	fetchpkg "github.com/akiyama/feedpipe/internal/worker/fetch"
	"github.com/akiyama/feedpipe/internal/worker/notify"
	"github.com/akiyama/feedpipe/internal/worker/schedule"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	feedRepo := repository.NewPostgresFeedRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)
	deadLetterRepo := repository.NewPostgresDeadLetterRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()

	// 4. ドメインサービスの初期化
	feedDetector := feed.NewFeedDetector(ssrfGuard)
	feedService := feed.NewFeedService(feedRepo, deadLetterRepo, feedDetector, slog.Default())
	itemService := item.NewService(itemRepo)

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	metrics.NewCollector(registry)

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのレート制限値はreq/min単位なのでreq/secに変換する
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.FeedRegRate = rate.Limit(float64(cfg.RateLimitFeedReg) / 60.0)
	rateLimiterCfg.FeedRegBurst = cfg.RateLimitFeedReg
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      slog.Default(),
		RateLimiter: rateLimiter,

		FeedService:      feedService,
		ItemService:      itemService,
		DeadLetterLister: deadLetterRepo,
		DB:               db,

		Gatherer: registry,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// スケジューラ、キューコンシューマ、変更通知、クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	feedRepo := repository.NewPostgresFeedRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)
	queueRepo := repository.NewPostgresTaskQueueRepo(db, cfg.VisibilityTimeout, cfg.MaxAttempts)
	changeLogRepo := repository.NewPostgresChangeLogRepo(db)
	checkpointRepo := repository.NewPostgresCheckpointRepo(db)
	deadLetterRepo := repository.NewPostgresDeadLetterRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. フェッチパイプラインの初期化
	storeService := item.NewStoreService(itemRepo, sanitizer)
	fetcher := fetchpkg.NewFetcher(
		feedRepo, storeService, ssrfGuard, collector,
		slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize,
	)
	consumer := fetchpkg.NewConsumer(
		queueRepo, feedRepo, fetcher, collector,
		slog.Default(), cfg.DequeueBatch, cfg.FetchMaxConcurrent,
	)

	// 5. スケジューラの初期化
	scheduler := schedule.NewScheduler(feedRepo, queueRepo, slog.Default(), cfg.ScheduleMaxFeeds)

	// 6. 変更通知の初期化
	notifier := notify.NewNotifier(
		changeLogRepo, checkpointRepo, deadLetterRepo, collector,
		slog.Default(), cfg.NotifierBatch, cfg.NotifierMaxRetries,
	)
	notifier.Register(notify.GroupBootstrap, notify.NewBootstrapHandler(queueRepo, slog.Default()))
	notifier.Register(notify.GroupWebSub, notify.NewWebSubHandler(slog.Default()))

	// 7. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(changeLogRepo, slog.Default())
	if days := int(cfg.LogRetention.Hours() / 24); days > 0 {
		cleanupJob.RetentionDays = days
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("schedule_interval", cfg.ScheduleInterval),
		slog.Int("dequeue_batch", cfg.DequeueBatch),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	// 変更通知をバックグラウンドで起動（グループごとにgoroutineが起動する）
	go notifier.Start(ctx, cfg.NotifierPoll)

	// キューコンシューマをバックグラウンドで起動
	go consumer.Start(ctx, cfg.DequeueIdleWait)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ScheduleInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
