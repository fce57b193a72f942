package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/akiyama/feedpipe/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
// (feed_id, fingerprint) の一意インデックスが重複排除インデックスを兼ねる。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// itemColumns はitemsテーブルのSELECT対象カラム。
const itemColumns = `id, feed_id, guid_or_id, fingerprint, title, link, summary, content,
	author, categories, comments_link, published_at, created_at`

// scanItem は1行分の記事レコードを読み取る。
func scanItem(row rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var guidOrID, title, link, summary, content, author, commentsLink sql.NullString
	var publishedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.FeedID, &guidOrID, &item.Fingerprint,
		&title, &link, &summary, &content,
		&author, pq.Array(&item.Categories), &commentsLink,
		&publishedAt, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.GuidOrID = nullStringValue(guidOrID)
	item.Title = nullStringValue(title)
	item.Link = nullStringValue(link)
	item.Summary = nullStringValue(summary)
	item.Content = nullStringValue(content)
	item.Author = nullStringValue(author)
	item.CommentsLink = nullStringValue(commentsLink)
	if publishedAt.Valid {
		t := publishedAt.Time
		item.PublishedAt = &t
	}

	return item, nil
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return item, nil
}

// InsertIfAbsent は記事を条件付きで挿入する。
// 同一フィード内に同じフィンガープリントの記事が既に存在する場合は
// 何も書き込まずmodel.ErrConflictを返す。
// 挿入が成立した場合のみ、同一トランザクションでinsertのChangeEventを追記する。
// 並行する重複配信のどちらか一方だけが挿入に成功することを
// 一意インデックスが保証する。
func (r *PostgresItemRepo) InsertIfAbsent(ctx context.Context, item *model.Item) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO items (id, feed_id, guid_or_id, fingerprint, title, link, summary, content,
		                    author, categories, comments_link, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (feed_id, fingerprint) DO NOTHING`,
		item.ID, item.FeedID, nullString(item.GuidOrID), item.Fingerprint,
		nullString(item.Title), nullString(item.Link), nullString(item.Summary), nullString(item.Content),
		nullString(item.Author), pq.Array(item.Categories), nullString(item.CommentsLink),
		item.PublishedAt, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("記事の挿入に失敗しました: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("記事挿入結果の取得に失敗しました: %w", err)
	}
	if inserted == 0 {
		return model.ErrConflict
	}

	if err := appendChangeEvent(ctx, tx, model.EntityTypeItem, item.ID, model.ChangeOpInsert, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("記事挿入のコミットに失敗しました: %w", err)
	}
	return nil
}

// ListByFeed はフィードの記事一覧をpublished_at降順で返す。
func (r *PostgresItemRepo) ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+`
		 FROM items
		 WHERE feed_id = $1
		 ORDER BY published_at DESC NULLS LAST, created_at DESC
		 LIMIT $2`,
		feedID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("記事一覧の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// CountByFeed はフィードの保存済み記事数を返す。
func (r *PostgresItemRepo) CountByFeed(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE feed_id = $1`, feedID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
