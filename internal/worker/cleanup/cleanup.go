// Package cleanup は変更ログの自動削減ジョブを提供する。
// 全ハンドラグループが消費済みで、かつ保持期間（デフォルト7日）を
// 超過した変更イベントを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akiyama/feedpipe/internal/repository"
)

// CleanupJob は消費済み変更イベントの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
// 未消費のイベントは保持期間を超過していても削除されない。
type CleanupJob struct {
	changeLog     repository.ChangeLogRepository
	logger        *slog.Logger
	RetentionDays int // 変更イベントの保持日数（デフォルト: 7）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は7日。
func NewCleanupJob(changeLog repository.ChangeLogRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		changeLog:     changeLog,
		logger:        logger,
		RetentionDays: 7,
	}
}

// Run は保持期間を超過した消費済み変更イベントを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	olderThan := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.changeLog.DeleteConsumed(ctx, olderThan)
	if err != nil {
		j.logger.Error("変更ログ削減ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("変更ログ削減の実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("変更ログ削減ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
