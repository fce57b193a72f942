package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/akiyama/feedpipe/internal/model"
)

// GroupWebSub はWebSub購読を扱うハンドラグループ名。
const GroupWebSub = "websub"

// WebSubHandler はWebSub対応フィードの作成イベントを処理する。
// 現時点ではハブへの購読リクエストは送信せず、購読候補として
// 記録するだけのスタブ実装。コールバックエンドポイントの公開URLが
// 決まった段階で購読リクエストの送信を実装する。
type WebSubHandler struct {
	logger *slog.Logger
}

// NewWebSubHandler はWebSubHandlerの新しいインスタンスを生成する。
func NewWebSubHandler(logger *slog.Logger) *WebSubHandler {
	return &WebSubHandler{logger: logger}
}

// feedImage はChangeEventのNewImageから必要なフィールドだけを取り出す。
type feedImage struct {
	FeedURL       string
	PushSupported bool
	PushHubURL    string
	PushTopicURL  string
}

// Handle はHandlerインターフェースを実装する。
// WebSub対応（hub/topicリンクを持つ）フィードの作成イベントのみを処理する。
func (h *WebSubHandler) Handle(ctx context.Context, ev model.ChangeEvent) error {
	if ev.EntityType != model.EntityTypeFeed || ev.Op != model.ChangeOpInsert {
		return nil
	}

	if ev.NewImage == "" {
		return nil
	}

	var img feedImage
	if err := json.Unmarshal([]byte(ev.NewImage), &img); err != nil {
		return model.NewFatalError(fmt.Errorf("イベントイメージの解析に失敗: %w", err))
	}

	if !img.PushSupported {
		return nil
	}

	h.logger.Info("WebSub対応フィードを検出しました",
		slog.String("feed_id", ev.EntityKey),
		slog.String("feed_url", img.FeedURL),
		slog.String("hub_url", img.PushHubURL),
		slog.String("topic_url", img.PushTopicURL),
	)
	return nil
}

var _ Handler = (*WebSubHandler)(nil)
