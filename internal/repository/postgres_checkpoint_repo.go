package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresCheckpointRepo はPostgreSQLを使用したチェックポイントリポジトリ。
// ChangeNotifierのハンドラグループごとに独立したカーソルを保持する。
type PostgresCheckpointRepo struct {
	db *sql.DB
}

// NewPostgresCheckpointRepo はPostgresCheckpointRepoを生成する。
func NewPostgresCheckpointRepo(db *sql.DB) *PostgresCheckpointRepo {
	return &PostgresCheckpointRepo{db: db}
}

// Load は指定グループのコミット済みシーケンス位置を返す。
// チェックポイントが存在しない場合は0を返す（保持ログの先頭から読む）。
func (r *PostgresCheckpointRepo) Load(ctx context.Context, group string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT last_seq FROM notifier_checkpoints WHERE handler_group = $1`,
		group,
	).Scan(&seq)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("チェックポイントの読み取りに失敗しました: %w", err)
	}
	return seq, nil
}

// Commit は指定グループのチェックポイントをseqに進める。
// GREATESTにより後退は起こらない（重複コミットやクラッシュ後の
// 再処理でカーソルが巻き戻らない）。
func (r *PostgresCheckpointRepo) Commit(ctx context.Context, group string, seq int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifier_checkpoints (handler_group, last_seq, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (handler_group)
		 DO UPDATE SET last_seq = GREATEST(notifier_checkpoints.last_seq, EXCLUDED.last_seq),
		               updated_at = now()`,
		group, seq,
	)
	if err != nil {
		return fmt.Errorf("チェックポイントのコミットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CheckpointRepository = (*PostgresCheckpointRepo)(nil)
