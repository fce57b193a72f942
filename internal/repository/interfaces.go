// Package repository はデータ永続化のインターフェースを定義する。
// FeedStoreの条件付き書き込み、変更ログ、ディスパッチキュー、
// デッドレター、チェックポイントの各永続化層を含む。
package repository

import (
	"context"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// FeedRepository はフィードメタデータの永続化インターフェース。
// 成功した作成・更新は同一トランザクションで変更ログに
// ちょうど1件のChangeEventを追記する。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByFeedURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
	FindByFeedURL(ctx context.Context, feedURL string) (*model.Feed, error)

	// Create はフィードを作成する。
	// 同一URLのフィードが既に存在する場合はmodel.ErrConflictを返す。
	Create(ctx context.Context, feed *model.Feed) error

	// ListAll は全フィードを作成日時順で返す。
	ListAll(ctx context.Context) ([]*model.Feed, error)

	// ListDue はポーリング期限が到来したアクティブなフィードを返す。
	// status = 'active' かつ next_due_at <= now の部分インデックスを使用する。
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error)

	// AdvanceNextDue はnext_due_atを条件付きで進める。
	// 現在値がprevDueと一致しない、またはフィードがactiveでない場合は
	// 何も書き込まずmodel.ErrConflictを返す。
	// 並行するスケジューラ実行が同じ期限ウィンドウを二重ディスパッチ
	// できないことをこの条件が保証する。
	AdvanceNextDue(ctx context.Context, feedID string, prevDue, nextDue time.Time) error

	// RestoreNextDue はエンキュー失敗時の補償としてnext_due_atを元に戻す。
	// 現在値がcurrentDueと一致する場合のみ書き戻す。
	RestoreNextDue(ctx context.Context, feedID string, currentDue, prevDue time.Time) error

	// UpdateAfterPoll はポーリング完了後のフィード状態を更新する。
	// カーソル（ETag/Last-Modified）、メタデータ、last_polled_at、
	// エラーカウントのリセットを1回の更新で書き込む。
	UpdateAfterPoll(ctx context.Context, feed *model.Feed) error

	// RecordPollError はポーリング失敗を記録する。
	// error_countをインクリメントし、last_error_messageを設定する。
	RecordPollError(ctx context.Context, feedID, message string) error

	// Deactivate はフィードを購読解除状態にする。
	// inactiveなフィードは以後スケジューリングされない。
	Deactivate(ctx context.Context, feedID string) error
}

// ItemRepository は記事データの永続化インターフェース。
// (feed_id, fingerprint) の一意性による冪等な挿入を提供する。
type ItemRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// InsertIfAbsent は記事を条件付きで挿入する。
	// 同一フィード内に同じフィンガープリントの記事が既に存在する場合は
	// 何も書き込まずmodel.ErrConflictを返す（重複配信時のno-op）。
	// 挿入された場合のみ同一トランザクションでChangeEventを追記する。
	InsertIfAbsent(ctx context.Context, item *model.Item) error

	// ListByFeed はフィードの記事一覧をpublished_at降順で返す。
	ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error)

	// CountByFeed はフィードの保存済み記事数を返す。
	CountByFeed(ctx context.Context, feedID string) (int, error)
}

// TaskQueueRepository はポーリングタスクのディスパッチキューインターフェース。
// at-least-once配信、可視性タイムアウトによる再配信、
// 試行上限到達時のデッドレター退避を提供する。
type TaskQueueRepository interface {
	// Enqueue はポーリングタスクをキューに追加する。
	Enqueue(ctx context.Context, feedID string) error

	// Dequeue は可視状態のタスクを最大maxBatch件クレームする。
	// クレームされたタスクは可視性タイムアウトの間他のコンシューマから
	// 隠され、Ackされなければ再び配信可能になる。
	// 試行上限を使い切ったタスクは再配信せずデッドレターへ移動する。
	Dequeue(ctx context.Context, maxBatch int) ([]model.DeliveredTask, error)

	// Ack は処理済みタスクをキューから削除する。
	// 受領票が無効（再配信済み）の場合は何もしない。
	Ack(ctx context.Context, receipt model.TaskReceipt) error

	// RecordFailure は未Ackのまま残すタスクに最後のエラーを記録する。
	// タスクの可視性は変更しない（可視性タイムアウト経由で再配信される）。
	RecordFailure(ctx context.Context, receipt model.TaskReceipt, message string) error

	// Depth はキュー内のタスク数を返す。
	Depth(ctx context.Context) (int, error)
}

// ChangeLogRepository はFeedStore変更ログの読み取りインターフェース。
// 追記は各リポジトリの書き込みトランザクション内で行われる。
type ChangeLogRepository interface {
	// ListAfter はシーケンス位置seqより後のイベントを昇順で最大limit件返す。
	ListAfter(ctx context.Context, seq int64, limit int) ([]model.ChangeEvent, error)

	// MaxSeq は変更ログの末尾シーケンス位置を返す。ログが空の場合は0。
	MaxSeq(ctx context.Context) (int64, error)

	// DeleteConsumed は全ハンドラグループが消費済みで、かつ保持期間を
	// 超過したイベントを削除し、削除件数を返す。
	DeleteConsumed(ctx context.Context, olderThan time.Time) (int64, error)
}

// DeadLetterRepository はデッドレターの永続化インターフェース。
// デッドレターは自動では再試行されず、オペレータ調査まで保持される。
type DeadLetterRepository interface {
	// Create はデッドレターを記録する。
	Create(ctx context.Context, dl *model.DeadLetter) error

	// List はデッドレターを新しい順に最大limit件返す。
	List(ctx context.Context, limit int) ([]*model.DeadLetter, error)

	// CountByFeedID は指定フィードに関連するデッドレター数を返す。
	// 購読APIのフィードヘルス表示に使用する。
	CountByFeedID(ctx context.Context, feedID string) (int, error)
}

// CheckpointRepository はChangeNotifierのハンドラグループごとの
// チェックポイントの永続化インターフェース。
// グループごとに独立したカーソルを持つため、1つの遅い/壊れた
// ハンドラが他のハンドラをブロックしない。
type CheckpointRepository interface {
	// Load は指定グループのコミット済みシーケンス位置を返す。
	// チェックポイントが存在しない場合は0を返す。
	Load(ctx context.Context, group string) (int64, error)

	// Commit は指定グループのチェックポイントをseqに進める。
	// 既にseqより先に進んでいる場合は後退させない。
	Commit(ctx context.Context, group string, seq int64) error
}
