package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/akiyama/feedpipe/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
// 成功した作成・更新は同一トランザクションで変更ログに
// ちょうど1件のChangeEventを追記する。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

// feedColumns はfeedsテーブルのSELECT対象カラム。
const feedColumns = `id, feed_url, site_url, title, description, language, feed_version,
	status, interval_minutes, etag, last_modified, last_polled_at, next_due_at,
	error_count, last_error_message, push_supported, push_hub_url, push_topic_url,
	created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanFeed は1行分のフィードレコードを読み取る。
func scanFeed(row rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var siteURL, title, description, language, feedVersion sql.NullString
	var etag, lastModified, lastErrorMessage, pushHubURL, pushTopicURL sql.NullString
	var lastPolledAt sql.NullTime

	err := row.Scan(
		&feed.ID, &feed.FeedURL, &siteURL, &title, &description, &language, &feedVersion,
		&feed.Status, &feed.IntervalMinutes, &etag, &lastModified, &lastPolledAt, &feed.NextDueAt,
		&feed.ErrorCount, &lastErrorMessage, &feed.PushSupported, &pushHubURL, &pushTopicURL,
		&feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.SiteURL = nullStringValue(siteURL)
	feed.Title = nullStringValue(title)
	feed.Description = nullStringValue(description)
	feed.Language = nullStringValue(language)
	feed.FeedVersion = nullStringValue(feedVersion)
	feed.ETag = nullStringValue(etag)
	feed.LastModified = nullStringValue(lastModified)
	feed.LastErrorMessage = nullStringValue(lastErrorMessage)
	feed.PushHubURL = nullStringValue(pushHubURL)
	feed.PushTopicURL = nullStringValue(pushTopicURL)
	if lastPolledAt.Valid {
		t := lastPolledAt.Time
		feed.LastPolledAt = &t
	}

	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindByFeedURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByFeedURL(ctx context.Context, feedURL string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE feed_url = $1`, feedURL)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードURLによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// Create はフィードを作成し、insertのChangeEventを追記する。
// 同一URLのフィードが既に存在する場合はmodel.ErrConflictを返す。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feeds (id, feed_url, site_url, title, description, language, feed_version,
		                    status, interval_minutes, etag, last_modified, last_polled_at, next_due_at,
		                    error_count, last_error_message, push_supported, push_hub_url, push_topic_url,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		feed.ID, feed.FeedURL, nullString(feed.SiteURL), nullString(feed.Title),
		nullString(feed.Description), nullString(feed.Language), nullString(feed.FeedVersion),
		feed.Status, feed.IntervalMinutes, nullString(feed.ETag), nullString(feed.LastModified),
		feed.LastPolledAt, feed.NextDueAt,
		feed.ErrorCount, nullString(feed.LastErrorMessage),
		feed.PushSupported, nullString(feed.PushHubURL), nullString(feed.PushTopicURL),
		feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return model.ErrConflict
		}
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}

	if err := appendChangeEvent(ctx, tx, model.EntityTypeFeed, feed.ID, model.ChangeOpInsert, feed); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("フィード作成のコミットに失敗しました: %w", err)
	}
	return nil
}

// ListAll は全フィードを作成日時順で返す。
func (r *PostgresFeedRepo) ListAll(ctx context.Context) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィード一覧の読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// ListDue はポーリング期限が到来したアクティブなフィードを返す。
// status = 'active' の部分インデックス（idx_feeds_due）を使用するため、
// フルスキャンは発生しない。
func (r *PostgresFeedRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+`
		 FROM feeds
		 WHERE status = 'active' AND next_due_at <= $1
		 ORDER BY next_due_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ポーリング対象フィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("ポーリング対象フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ポーリング対象フィードの走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// AdvanceNextDue はnext_due_atを条件付きで進める。
// 現在値がprevDueと一致しない、またはフィードがactiveでない場合は
// model.ErrConflictを返す。
func (r *PostgresFeedRepo) AdvanceNextDue(ctx context.Context, feedID string, prevDue, nextDue time.Time) error {
	return r.conditionalDueUpdate(ctx, feedID, prevDue, nextDue)
}

// RestoreNextDue はエンキュー失敗時の補償としてnext_due_atを元に戻す。
func (r *PostgresFeedRepo) RestoreNextDue(ctx context.Context, feedID string, currentDue, prevDue time.Time) error {
	err := r.conditionalDueUpdate(ctx, feedID, currentDue, prevDue)
	if errors.Is(err, model.ErrConflict) {
		// 他のインスタンスが既に状態を進めている場合、補償は不要
		return nil
	}
	return err
}

// conditionalDueUpdate はnext_due_atの条件付き書き込みを行い、
// updateのChangeEventを追記する。
func (r *PostgresFeedRepo) conditionalDueUpdate(ctx context.Context, feedID string, expected, next time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE feeds SET next_due_at = $3, updated_at = now()
		 WHERE id = $1 AND next_due_at = $2 AND status = 'active'
		 RETURNING `+feedColumns,
		feedID, expected, next,
	)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return model.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("next_due_atの条件付き更新に失敗しました: %w", err)
	}

	if err := appendChangeEvent(ctx, tx, model.EntityTypeFeed, feed.ID, model.ChangeOpUpdate, feed); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("next_due_at更新のコミットに失敗しました: %w", err)
	}
	return nil
}

// UpdateAfterPoll はポーリング完了後のフィード状態を更新する。
// カーソル、メタデータ、last_polled_at、エラーカウントのリセットを
// 1回の更新で書き込み、updateのChangeEventを追記する。
func (r *PostgresFeedRepo) UpdateAfterPoll(ctx context.Context, feed *model.Feed) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE feeds SET
		    title = $2, site_url = $3, etag = $4, last_modified = $5,
		    last_polled_at = $6, error_count = 0, last_error_message = NULL,
		    updated_at = now()
		 WHERE id = $1
		 RETURNING `+feedColumns,
		feed.ID, nullString(feed.Title), nullString(feed.SiteURL),
		nullString(feed.ETag), nullString(feed.LastModified), feed.LastPolledAt,
	)

	updated, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("ポーリング結果の反映に失敗しました: %w", err)
	}

	if err := appendChangeEvent(ctx, tx, model.EntityTypeFeed, updated.ID, model.ChangeOpUpdate, updated); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ポーリング結果のコミットに失敗しました: %w", err)
	}
	return nil
}

// RecordPollError はポーリング失敗を記録する。
// error_countをインクリメントし、last_error_messageを設定する。
func (r *PostgresFeedRepo) RecordPollError(ctx context.Context, feedID, message string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE feeds SET
		    error_count = error_count + 1,
		    last_error_message = $2,
		    last_polled_at = now(),
		    updated_at = now()
		 WHERE id = $1
		 RETURNING `+feedColumns,
		feedID, nullString(message),
	)

	updated, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("ポーリングエラーの記録に失敗しました: %w", err)
	}

	if err := appendChangeEvent(ctx, tx, model.EntityTypeFeed, updated.ID, model.ChangeOpUpdate, updated); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ポーリングエラー記録のコミットに失敗しました: %w", err)
	}
	return nil
}

// Deactivate はフィードを購読解除状態にする。
func (r *PostgresFeedRepo) Deactivate(ctx context.Context, feedID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE feeds SET status = 'inactive', updated_at = now()
		 WHERE id = $1
		 RETURNING `+feedColumns,
		feedID,
	)

	updated, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("フィードの購読解除に失敗しました: %w", err)
	}

	if err := appendChangeEvent(ctx, tx, model.EntityTypeFeed, updated.ID, model.ChangeOpUpdate, updated); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("購読解除のコミットに失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
