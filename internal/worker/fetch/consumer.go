// Package fetch はディスパッチキューを消費するフィードポーリング処理を提供する。
// キューコンシューマ、フェッチャー、HTTPステータス分類を含む。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/akiyama/feedpipe/internal/metrics"
	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

// FeedPoller はフィードポーリングの実行インターフェース。
type FeedPoller interface {
	// Poll は指定フィードをポーリングし、結果に応じてフィード状態を更新する。
	Poll(ctx context.Context, feed *model.Feed) error
}

// Consumer はディスパッチキューからタスクを取り出してポーリングを実行する。
// ポーリング間隔のティッカーでバッチをデキューし、semaphoreパターンで
// 最大並列数を制御しながらタスクごとにフィードをポーリングする。
// 成功したタスクだけをAckし、失敗したタスクは可視性タイムアウト経由で
// 再配信させる（試行上限到達時はキュー側がデッドレターへ退避する）。
type Consumer struct {
	queue          repository.TaskQueueRepository
	feedRepo       repository.FeedRepository
	poller         FeedPoller
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	batchSize      int
	maxConcurrency int
}

// NewConsumer はConsumerの新しいインスタンスを生成する。
// batchSizeが0以下の場合は10、maxConcurrencyが0以下の場合は10を使用する。
func NewConsumer(
	queue repository.TaskQueueRepository,
	feedRepo repository.FeedRepository,
	poller FeedPoller,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	batchSize int,
	maxConcurrency int,
) *Consumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Consumer{
		queue:          queue,
		feedRepo:       feedRepo,
		poller:         poller,
		collector:      collector,
		logger:         logger,
		batchSize:      batchSize,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでコンシューマを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (c *Consumer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("キューコンシューマを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", c.batchSize),
		slog.Int("max_concurrency", c.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := c.RunOnce(ctx); err != nil {
		c.logger.Error("コンシューマサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("キューコンシューマを停止しました")
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.logger.Error("コンシューマサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はタスクを1バッチデキューし、並列でポーリングを実行する。
// semaphoreパターンで最大並列数を制御する。
// タスク間は隔離されており、1つのフィードの失敗が同じバッチの
// 他のタスクの処理に影響することはない。
func (c *Consumer) RunOnce(ctx context.Context) error {
	start := time.Now()

	tasks, err := c.queue.Dequeue(ctx, c.batchSize)
	if err != nil {
		return err
	}

	if depth, err := c.queue.Depth(ctx); err == nil {
		c.collector.SetQueueDepth(depth)
	}

	if len(tasks) == 0 {
		return nil
	}

	c.logger.Info("ポーリングサイクルを開始します",
		slog.Int("task_count", len(tasks)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, c.maxConcurrency)
	var wg sync.WaitGroup

	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(t model.DeliveredTask) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			c.processTask(ctx, t)
		}(task)
	}

	wg.Wait()

	duration := time.Since(start)
	c.logger.Info("ポーリングサイクルが完了しました",
		slog.Int("task_count", len(tasks)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// processTask は配信されたタスクを1件処理する。
func (c *Consumer) processTask(ctx context.Context, task model.DeliveredTask) {
	if task.Task.Attempts > 1 {
		c.collector.RecordTaskRedelivered()
		c.logger.Warn("再配信されたタスクを処理します",
			slog.String("task_id", task.Task.ID),
			slog.String("feed_id", task.Task.FeedID),
			slog.Int("attempts", task.Task.Attempts),
		)
	}

	feed, err := c.feedRepo.FindByID(ctx, task.Task.FeedID)
	if err != nil {
		c.logger.Error("フィードの取得に失敗しました",
			slog.String("feed_id", task.Task.FeedID),
			slog.String("error", err.Error()),
		)
		if recErr := c.queue.RecordFailure(ctx, task.Receipt, err.Error()); recErr != nil {
			c.logger.Error("タスク失敗の記録に失敗しました",
				slog.String("task_id", task.Task.ID),
				slog.String("error", recErr.Error()),
			)
		}
		return
	}

	// 削除済み・停止済みフィードのタスクは処理せずAckして破棄する
	if feed == nil || feed.Status != model.FeedStatusActive {
		c.logger.Info("対象フィードが存在しないか停止済みのためタスクを破棄します",
			slog.String("task_id", task.Task.ID),
			slog.String("feed_id", task.Task.FeedID),
		)
		if err := c.queue.Ack(ctx, task.Receipt); err != nil {
			c.logger.Error("タスクのAckに失敗しました",
				slog.String("task_id", task.Task.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := c.poller.Poll(ctx, feed); err != nil {
		c.logger.Error("フィードポーリングに失敗しました",
			slog.String("task_id", task.Task.ID),
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("attempts", task.Task.Attempts),
			slog.Bool("retryable", model.IsRetryable(err)),
			slog.String("error", err.Error()),
		)
		// 未Ackのまま残し、可視性タイムアウト経由で再配信させる
		if recErr := c.queue.RecordFailure(ctx, task.Receipt, err.Error()); recErr != nil {
			c.logger.Error("タスク失敗の記録に失敗しました",
				slog.String("task_id", task.Task.ID),
				slog.String("error", recErr.Error()),
			)
		}
		return
	}

	if err := c.queue.Ack(ctx, task.Receipt); err != nil {
		c.logger.Error("タスクのAckに失敗しました",
			slog.String("task_id", task.Task.ID),
			slog.String("error", err.Error()),
		)
	}
}
