package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/akiyama/feedpipe/internal/model"
)

// PostgresDeadLetterRepo はPostgreSQLを使用したデッドレターリポジトリ。
// デッドレターは自動では再試行されず、オペレータ調査まで保持される。
type PostgresDeadLetterRepo struct {
	db *sql.DB
}

// NewPostgresDeadLetterRepo はPostgresDeadLetterRepoを生成する。
func NewPostgresDeadLetterRepo(db *sql.DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db}
}

// Create はデッドレターを記録する。
func (r *PostgresDeadLetterRepo) Create(ctx context.Context, dl *model.DeadLetter) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, kind, feed_id, payload, attempts, last_error, first_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dl.ID, dl.Kind, nullString(dl.FeedID), dl.Payload,
		dl.Attempts, nullString(dl.LastError), dl.FirstFailedAt,
	)
	if err != nil {
		return fmt.Errorf("デッドレターの記録に失敗しました: %w", err)
	}
	return nil
}

// List はデッドレターを新しい順に最大limit件返す。
func (r *PostgresDeadLetterRepo) List(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, feed_id, payload, attempts, last_error, first_failed_at, created_at
		 FROM dead_letters
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("デッドレター一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var letters []*model.DeadLetter
	for rows.Next() {
		dl := &model.DeadLetter{}
		var feedID, lastError sql.NullString
		if err := rows.Scan(&dl.ID, &dl.Kind, &feedID, &dl.Payload, &dl.Attempts, &lastError, &dl.FirstFailedAt, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("デッドレター一覧の読み取りに失敗しました: %w", err)
		}
		dl.FeedID = nullStringValue(feedID)
		dl.LastError = nullStringValue(lastError)
		letters = append(letters, dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("デッドレター一覧の走査に失敗しました: %w", err)
	}
	return letters, nil
}

// CountByFeedID は指定フィードに関連するデッドレター数を返す。
func (r *PostgresDeadLetterRepo) CountByFeedID(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE feed_id = $1`, feedID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("デッドレター数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ DeadLetterRepository = (*PostgresDeadLetterRepo)(nil)
