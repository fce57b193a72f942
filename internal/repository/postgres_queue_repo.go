package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akiyama/feedpipe/internal/model"
)

// PostgresTaskQueueRepo はPostgreSQLを使用したディスパッチキュー。
// 可視性タイムアウトによる再配信と、試行上限到達時の
// デッドレター退避をDequeue時に行う。
// クレームはFOR UPDATE SKIP LOCKEDで行うため、複数のFetcherワーカーが
// 同じタスクを同時にクレームすることはない。
type PostgresTaskQueueRepo struct {
	db                *sql.DB
	visibilityTimeout time.Duration
	maxAttempts       int
}

// NewPostgresTaskQueueRepo はPostgresTaskQueueRepoを生成する。
// visibilityTimeoutが0以下の場合は30秒、maxAttemptsが0以下の場合は5を使用する。
func NewPostgresTaskQueueRepo(db *sql.DB, visibilityTimeout time.Duration, maxAttempts int) *PostgresTaskQueueRepo {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PostgresTaskQueueRepo{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
	}
}

// Enqueue はポーリングタスクをキューに追加する。
func (r *PostgresTaskQueueRepo) Enqueue(ctx context.Context, feedID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO poll_tasks (id, feed_id) VALUES ($1, $2)`,
		uuid.New().String(), feedID,
	)
	if err != nil {
		return fmt.Errorf("タスクのエンキューに失敗しました: %w", err)
	}
	return nil
}

// Dequeue は可視状態のタスクを最大maxBatch件クレームする。
// クレームされたタスクは可視性タイムアウトの間隠され、新しい受領票が
// 発行される。試行上限を使い切ったタスクは再配信せず、
// 同一トランザクション内でデッドレターへ移動する。
func (r *PostgresTaskQueueRepo) Dequeue(ctx context.Context, maxBatch int) ([]model.DeliveredTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 試行上限を使い切ったタスクをデッドレターへ退避する
	_, err = tx.ExecContext(ctx,
		`WITH exhausted AS (
		    DELETE FROM poll_tasks
		    WHERE visible_at <= now() AND attempts >= $1
		    RETURNING feed_id, enqueued_at, attempts, last_error
		 )
		 INSERT INTO dead_letters (id, kind, feed_id, payload, attempts, last_error, first_failed_at)
		 SELECT gen_random_uuid(), 'poll_task', feed_id::text,
		        json_build_object('feedId', feed_id, 'enqueuedAt', enqueued_at)::text,
		        attempts, last_error, enqueued_at
		 FROM exhausted`,
		r.maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("デッドレターへの退避に失敗しました: %w", err)
	}

	// 可視状態のタスクをクレームし、受領票を発行する
	rows, err := tx.QueryContext(ctx,
		`UPDATE poll_tasks t
		 SET visible_at = now() + ($1 * interval '1 second'),
		     attempts   = t.attempts + 1,
		     receipt    = gen_random_uuid()
		 FROM (
		     SELECT id FROM poll_tasks
		     WHERE visible_at <= now()
		     ORDER BY enqueued_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 ) c
		 WHERE t.id = c.id
		 RETURNING t.id, t.feed_id, t.enqueued_at, t.visible_at, t.attempts, t.receipt`,
		int(r.visibilityTimeout.Seconds()), maxBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("タスクのデキューに失敗しました: %w", err)
	}
	defer rows.Close()

	var delivered []model.DeliveredTask
	for rows.Next() {
		var task model.PollTask
		var receipt string
		if err := rows.Scan(&task.ID, &task.FeedID, &task.EnqueuedAt, &task.VisibleAt, &task.Attempts, &receipt); err != nil {
			return nil, fmt.Errorf("デキュー結果の読み取りに失敗しました: %w", err)
		}
		delivered = append(delivered, model.DeliveredTask{
			Task:    task,
			Receipt: model.TaskReceipt(receipt),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("デキュー結果の走査に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("デキューのコミットに失敗しました: %w", err)
	}
	return delivered, nil
}

// Ack は処理済みタスクをキューから削除する。
// 受領票が無効（可視性タイムアウト超過で再配信済み）の場合は何もしない。
// 同じタスクの重複Ackはno-opになる。
func (r *PostgresTaskQueueRepo) Ack(ctx context.Context, receipt model.TaskReceipt) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM poll_tasks WHERE receipt = $1`, string(receipt))
	if err != nil {
		return fmt.Errorf("タスクのAckに失敗しました: %w", err)
	}
	return nil
}

// RecordFailure は未Ackのまま残すタスクに最後のエラーを記録する。
// 可視性は変更しないため、タスクは可視性タイムアウト経過後に再配信される。
func (r *PostgresTaskQueueRepo) RecordFailure(ctx context.Context, receipt model.TaskReceipt, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE poll_tasks SET last_error = $2 WHERE receipt = $1`,
		string(receipt), message,
	)
	if err != nil {
		return fmt.Errorf("タスクエラーの記録に失敗しました: %w", err)
	}
	return nil
}

// Depth はキュー内のタスク数を返す。
func (r *PostgresTaskQueueRepo) Depth(ctx context.Context) (int, error) {
	var depth int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM poll_tasks`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("キュー深さの取得に失敗しました: %w", err)
	}
	return depth, nil
}

// compile-time interface check
var _ TaskQueueRepository = (*PostgresTaskQueueRepo)(nil)
