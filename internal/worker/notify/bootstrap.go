package notify

import (
	"context"
	"log/slog"

	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

// GroupBootstrap は初回ポーリングをトリガーするハンドラグループ名。
const GroupBootstrap = "bootstrap"

// BootstrapHandler はフィード作成イベントを受けて初回ポーリングタスクを
// エンキューする。スケジューラの次のサイクルを待たずに、登録直後の
// フィードの記事が取り込まれる。
// Enqueueは同一フィードに対して冪等ではないが、重複タスクは
// ポーリング側の条件付き挿入で吸収されるため再配信されても安全。
type BootstrapHandler struct {
	queue  repository.TaskQueueRepository
	logger *slog.Logger
}

// NewBootstrapHandler はBootstrapHandlerの新しいインスタンスを生成する。
func NewBootstrapHandler(queue repository.TaskQueueRepository, logger *slog.Logger) *BootstrapHandler {
	return &BootstrapHandler{
		queue:  queue,
		logger: logger,
	}
}

// Handle はHandlerインターフェースを実装する。
// フィードの新規作成イベントのみを処理し、その他のイベントは無視する。
func (h *BootstrapHandler) Handle(ctx context.Context, ev model.ChangeEvent) error {
	if ev.EntityType != model.EntityTypeFeed || ev.Op != model.ChangeOpInsert {
		return nil
	}

	if err := h.queue.Enqueue(ctx, ev.EntityKey); err != nil {
		return model.NewRetryableError(err)
	}

	h.logger.Info("新規フィードの初回ポーリングをエンキューしました",
		slog.String("feed_id", ev.EntityKey),
		slog.Int64("seq", ev.Seq),
	)
	return nil
}

var _ Handler = (*BootstrapHandler)(nil)
