// Package notify は変更ログを購読するChangeNotifierを提供する。
// ハンドラグループごとの独立したチェックポイント、分割再試行、
// デッドレター退避を含む。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/akiyama/feedpipe/internal/metrics"
	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

// Handler は変更イベントの処理インターフェース。
// 同一イベントが複数回配信されうるため、実装は冪等でなければならない。
type Handler interface {
	Handle(ctx context.Context, ev model.ChangeEvent) error
}

// handlerGroup は登録されたハンドラとそのグループ名の組。
type handlerGroup struct {
	name    string
	handler Handler
}

// Notifier は変更ログをハンドラグループごとに配信する。
// グループごとに独立したゴルーチンとチェックポイントを持ち、
// 1つの遅い/壊れたハンドラが他のグループの進行をブロックしない。
// グループ内ではイベントをシーケンス順に逐次処理するため、
// 同一エンティティキーのイベントは常に書き込み順で配信される。
type Notifier struct {
	changeLog   repository.ChangeLogRepository
	checkpoints repository.CheckpointRepository
	deadLetters repository.DeadLetterRepository
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	batchSize   int
	maxRetries  int
	groups      []handlerGroup

	// newBackOff は再試行間隔の生成関数。テストで差し替える。
	newBackOff func() backoff.BackOff
}

// NewNotifier はNotifierの新しいインスタンスを生成する。
// batchSizeが0以下の場合は100、maxRetriesが0以下の場合は3を使用する。
func NewNotifier(
	changeLog repository.ChangeLogRepository,
	checkpoints repository.CheckpointRepository,
	deadLetters repository.DeadLetterRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	batchSize int,
	maxRetries int,
) *Notifier {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Notifier{
		changeLog:   changeLog,
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		collector:   collector,
		logger:      logger,
		batchSize:   batchSize,
		maxRetries:  maxRetries,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			return bo
		},
	}
}

// Register はハンドラグループを登録する。Startの前に呼び出すこと。
// グループ名はチェックポイントのキーになる。
func (n *Notifier) Register(name string, h Handler) {
	n.groups = append(n.groups, handlerGroup{name: name, handler: h})
}

// Start は登録された全ハンドラグループの配信ループを起動する。
// グループごとに1ゴルーチンで動作し、コンテキストがキャンセルされるまで
// pollInterval間隔で変更ログをポーリングする。
func (n *Notifier) Start(ctx context.Context, pollInterval time.Duration) {
	n.logger.Info("チェンジノーティファイアを開始しました",
		slog.Int("group_count", len(n.groups)),
		slog.Duration("poll_interval", pollInterval),
		slog.Int("batch_size", n.batchSize),
	)

	var wg sync.WaitGroup
	for _, g := range n.groups {
		wg.Add(1)
		go func(g handlerGroup) {
			defer wg.Done()
			n.runGroup(ctx, g, pollInterval)
		}(g)
	}
	wg.Wait()

	n.logger.Info("チェンジノーティファイアを停止しました")
}

// runGroup は1グループの配信ループを実行する。
func (n *Notifier) runGroup(ctx context.Context, g handlerGroup, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := n.RunGroupOnce(ctx, g.name); err != nil {
			n.logger.Error("配信サイクルの実行に失敗しました",
				slog.String("group", g.name),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunGroupOnce は指定グループの配信サイクルを1回実行する。
// チェックポイント以降のイベントを1バッチ読み、逐次処理した後、
// 処理結果にかかわらずチェックポイントをバッチ末尾まで進める。
// 失敗したイベントは分割再試行とデッドレター退避で解決済みになっている。
func (n *Notifier) RunGroupOnce(ctx context.Context, group string) error {
	g, ok := n.findGroup(group)
	if !ok {
		return fmt.Errorf("未登録のハンドラグループです: %s", group)
	}

	seq, err := n.checkpoints.Load(ctx, group)
	if err != nil {
		return fmt.Errorf("チェックポイントの読み込みに失敗: %w", err)
	}

	events, err := n.changeLog.ListAfter(ctx, seq, n.batchSize)
	if err != nil {
		return fmt.Errorf("変更ログの読み込みに失敗: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	n.processRange(ctx, g, events)

	last := events[len(events)-1].Seq
	if err := n.checkpoints.Commit(ctx, group, last); err != nil {
		return fmt.Errorf("チェックポイントのコミットに失敗: %w", err)
	}

	n.logger.Info("配信サイクルが完了しました",
		slog.String("group", group),
		slog.Int("event_count", len(events)),
		slog.Int64("checkpoint", last),
	)

	return nil
}

func (n *Notifier) findGroup(name string) (handlerGroup, bool) {
	for _, g := range n.groups {
		if g.name == name {
			return g, true
		}
	}
	return handlerGroup{}, false
}

// processRange はイベント列を逐次処理し、失敗時は範囲を二分割して
// 各側を個別に再試行する。単一イベントまで分割しても解決しない場合は
// デッドレターに退避する。分割後の再処理で成功済みイベントが再び
// ハンドラに渡ることがあるため、配信はat-least-onceになる。
func (n *Notifier) processRange(ctx context.Context, g handlerGroup, events []model.ChangeEvent) {
	if len(events) == 0 {
		return
	}

	err := n.tryRange(ctx, g, events)
	if err == nil {
		return
	}

	if len(events) == 1 {
		ev := events[0]
		if !model.IsFatal(err) {
			err = n.retrySingle(ctx, g, ev)
			if err == nil {
				return
			}
		}
		n.sendToDeadLetter(ctx, g, ev, err)
		return
	}

	mid := len(events) / 2
	n.processRange(ctx, g, events[:mid])
	n.processRange(ctx, g, events[mid:])
}

// tryRange はイベント列をシーケンス順に処理し、最初の失敗で中断する。
func (n *Notifier) tryRange(ctx context.Context, g handlerGroup, events []model.ChangeEvent) error {
	for _, ev := range events {
		if err := g.handler.Handle(ctx, ev); err != nil {
			n.logger.Warn("イベント処理に失敗しました",
				slog.String("group", g.name),
				slog.Int64("seq", ev.Seq),
				slog.String("entity_type", string(ev.EntityType)),
				slog.String("entity_key", ev.EntityKey),
				slog.Bool("fatal", model.IsFatal(err)),
				slog.String("error", err.Error()),
			)
			return err
		}
		n.collector.RecordEventHandled(g.name)
	}
	return nil
}

// retrySingle は単一イベントを指数バックオフ付きで再試行する。
// FatalErrorは再試行せず直ちに打ち切る。
func (n *Notifier) retrySingle(ctx context.Context, g handlerGroup, ev model.ChangeEvent) error {
	operation := func() error {
		err := g.handler.Handle(ctx, ev)
		if err != nil && model.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(n.newBackOff(), uint64(n.maxRetries)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return err
	}
	n.collector.RecordEventHandled(g.name)
	return nil
}

// sendToDeadLetter は解決できなかったイベントをデッドレターに退避する。
func (n *Notifier) sendToDeadLetter(ctx context.Context, g handlerGroup, ev model.ChangeEvent, cause error) {
	n.logger.Error("イベントをデッドレターに退避します",
		slog.String("group", g.name),
		slog.Int64("seq", ev.Seq),
		slog.String("entity_type", string(ev.EntityType)),
		slog.String("entity_key", ev.EntityKey),
		slog.String("error", cause.Error()),
	)

	feedID := ""
	if ev.EntityType == model.EntityTypeFeed {
		feedID = ev.EntityKey
	}

	now := time.Now()
	dl := &model.DeadLetter{
		ID:            uuid.New().String(),
		Kind:          model.DeadLetterKindChangeEvent,
		FeedID:        feedID,
		Payload:       fmt.Sprintf(`{"group":"%s","seq":%d,"new_image":%s}`, g.name, ev.Seq, nonEmptyJSON(ev.NewImage)),
		Attempts:      n.maxRetries + 1,
		LastError:     cause.Error(),
		FirstFailedAt: now,
		CreatedAt:     now,
	}

	if err := n.deadLetters.Create(ctx, dl); err != nil {
		n.logger.Error("デッドレターの記録に失敗しました",
			slog.String("group", g.name),
			slog.Int64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
		return
	}
	n.collector.RecordDeadLetter(string(model.DeadLetterKindChangeEvent))
}

func nonEmptyJSON(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
