package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// PostgresChangeLogRepo はPostgreSQLを使用した変更ログリポジトリ。
// seqはBIGSERIALで採番されるため、同一キーのイベントは
// 書き込み順に単調増加するシーケンス位置を持つ。
type PostgresChangeLogRepo struct {
	db *sql.DB
}

// NewPostgresChangeLogRepo はPostgresChangeLogRepoを生成する。
func NewPostgresChangeLogRepo(db *sql.DB) *PostgresChangeLogRepo {
	return &PostgresChangeLogRepo{db: db}
}

// ListAfter はシーケンス位置seqより後のイベントを昇順で最大limit件返す。
func (r *PostgresChangeLogRepo) ListAfter(ctx context.Context, seq int64, limit int) ([]model.ChangeEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, entity_type, entity_key, op, new_image, created_at
		 FROM change_log
		 WHERE seq > $1
		 ORDER BY seq ASC
		 LIMIT $2`,
		seq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("変更ログの読み取りに失敗しました: %w", err)
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var ev model.ChangeEvent
		if err := rows.Scan(&ev.Seq, &ev.EntityType, &ev.EntityKey, &ev.Op, &ev.NewImage, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("変更イベントの読み取りに失敗しました: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("変更ログの走査に失敗しました: %w", err)
	}

	return events, nil
}

// MaxSeq は変更ログの末尾シーケンス位置を返す。ログが空の場合は0。
func (r *PostgresChangeLogRepo) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("変更ログ末尾の取得に失敗しました: %w", err)
	}
	return seq, nil
}

// DeleteConsumed は全ハンドラグループが消費済みで、かつ保持期間を
// 超過したイベントを削除し、削除件数を返す。
// チェックポイントが1つも存在しない場合は何も削除しない
// （未起動のハンドラグループのイベントを失わないため）。
func (r *PostgresChangeLogRepo) DeleteConsumed(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM change_log
		 WHERE created_at < $1
		   AND seq <= (SELECT MIN(last_seq) FROM notifier_checkpoints)`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("変更ログの削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("変更ログ削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// appendChangeEvent は書き込みトランザクション内で変更イベントを1件追記する。
// 各リポジトリの作成・更新処理から呼ばれる。
func appendChangeEvent(ctx context.Context, tx *sql.Tx, entityType model.EntityType, entityKey string, op model.ChangeOp, image interface{}) error {
	newImage, err := json.Marshal(image)
	if err != nil {
		return fmt.Errorf("変更イベントのシリアライズに失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_log (entity_type, entity_key, op, new_image)
		 VALUES ($1, $2, $3, $4)`,
		entityType, entityKey, op, newImage,
	)
	if err != nil {
		return fmt.Errorf("変更イベントの追記に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ChangeLogRepository = (*PostgresChangeLogRepo)(nil)
