// Package schedule はポーリング期限の到来したフィードを
// ディスパッチキューへ送り出すスケジューラを提供する。
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

// Scheduler は期限到来フィードのスキャンとタスクのエンキューを行う。
// 固定間隔のティッカーで動作し、フィードごとにnext_due_atの
// 条件付き更新でディスパッチ権を獲得してからエンキューする。
// 複数のスケジューラインスタンスが並行して動いても、同じ期限ウィンドウの
// フィードがエンキューされるのは1回だけになる。
type Scheduler struct {
	feedRepo repository.FeedRepository
	queue    repository.TaskQueueRepository
	logger   *slog.Logger
	maxFeeds int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxFeedsが0以下の場合はデフォルト値500を使用する。
func NewScheduler(
	feedRepo repository.FeedRepository,
	queue repository.TaskQueueRepository,
	logger *slog.Logger,
	maxFeeds int,
) *Scheduler {
	if maxFeeds <= 0 {
		maxFeeds = 500
	}
	return &Scheduler{
		feedRepo: feedRepo,
		queue:    queue,
		logger:   logger,
		maxFeeds: maxFeeds,
	}
}

// Start は固定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_feeds", s.maxFeeds),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スケジューラサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スケジューラサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来フィードを1回スキャンし、タスクをエンキューする。
// フィードごとの処理手順:
//  1. next_due_atを前回値を条件に now + ポーリング間隔 へ進める（ディスパッチ権の獲得）
//  2. 条件付き更新が競合した場合は他のインスタンスが先に処理済みなのでスキップ
//  3. エンキューに失敗した場合はnext_due_atを書き戻し、次のサイクルで再試行させる
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	feeds, err := s.feedRepo.ListDue(ctx, start, s.maxFeeds)
	if err != nil {
		return err
	}

	if len(feeds) == 0 {
		s.logger.Info("ポーリング期限の到来したフィードはありません")
		return nil
	}

	var enqueued, skipped, failed int

	for _, feed := range feeds {
		prevDue := feed.NextDueAt
		nextDue := feed.NextDueAfter(start)

		err := s.feedRepo.AdvanceNextDue(ctx, feed.ID, prevDue, nextDue)
		if model.IsConflict(err) {
			// 並行するスケジューラ実行が先にディスパッチ権を獲得済み
			skipped++
			continue
		}
		if err != nil {
			s.logger.Error("next_due_atの更新に失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("error", err.Error()),
			)
			failed++
			continue
		}

		if err := s.queue.Enqueue(ctx, feed.ID); err != nil {
			s.logger.Error("タスクのエンキューに失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("error", err.Error()),
			)
			// エンキューに失敗したフィードは期限を書き戻して次回サイクルで再試行する
			if restoreErr := s.feedRepo.RestoreNextDue(ctx, feed.ID, nextDue, prevDue); restoreErr != nil {
				s.logger.Error("next_due_atの書き戻しに失敗しました",
					slog.String("feed_id", feed.ID),
					slog.String("error", restoreErr.Error()),
				)
			}
			failed++
			continue
		}

		enqueued++
	}

	s.logger.Info("スケジューラサイクルが完了しました",
		slog.Int("due_feeds", len(feeds)),
		slog.Int("enqueued", enqueued),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
