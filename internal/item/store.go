package item

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
	"github.com/akiyama/feedpipe/internal/security"
)

// StoreService はパース済み記事の冪等な保存を提供する。
// (feed_id, fingerprint) の条件付き挿入により、同じタスクの重複配信や
// 並行する複数ワーカーの実行でも記事は1件しか保存されない。
type StoreService struct {
	itemRepo  repository.ItemRepository
	sanitizer security.ContentSanitizerService
}

// NewStoreService はStoreServiceの新しいインスタンスを生成する。
func NewStoreService(
	itemRepo repository.ItemRepository,
	sanitizer security.ContentSanitizerService,
) *StoreService {
	return &StoreService{
		itemRepo:  itemRepo,
		sanitizer: sanitizer,
	}
}

// StoreItems はフィードから取得した記事を条件付きで保存する。
// 各記事についてサニタイズとフィンガープリント計算を行い、
// InsertIfAbsentで挿入を試みる。model.ErrConflictは「既に保存済み」を
// 意味するno-opであり、エラーではなく重複としてカウントする。
// 戻り値は挿入数、重複数、エラー。
func (s *StoreService) StoreItems(
	ctx context.Context,
	feedID string,
	items []model.ParsedItem,
) (inserted int, duplicates int, err error) {
	if len(items) == 0 {
		return 0, 0, nil
	}

	now := time.Now()

	for _, parsed := range items {
		sanitizedContent := s.sanitizer.Sanitize(parsed.Content)
		sanitizedSummary := s.sanitizer.Sanitize(parsed.Summary)

		fingerprint := ComputeFingerprint(parsed.Title, parsed.Link, parsed.PublishedAt)

		record := &model.Item{
			ID:           uuid.New().String(),
			FeedID:       feedID,
			GuidOrID:     ItemIdentity(parsed, fingerprint),
			Fingerprint:  fingerprint,
			Title:        parsed.Title,
			Link:         parsed.Link,
			Summary:      sanitizedSummary,
			Content:      sanitizedContent,
			Author:       parsed.Author,
			Categories:   parsed.Categories,
			CommentsLink: parsed.CommentsLink,
			PublishedAt:  parsed.PublishedAt,
			CreatedAt:    now,
		}

		insertErr := s.itemRepo.InsertIfAbsent(ctx, record)
		if model.IsConflict(insertErr) {
			duplicates++
			continue
		}
		if insertErr != nil {
			slog.Error("記事の挿入でエラー",
				"feed_id", feedID,
				"fingerprint", fingerprint,
				"error", insertErr,
			)
			return inserted, duplicates, fmt.Errorf("記事の挿入に失敗: %w", insertErr)
		}
		inserted++
	}

	slog.Info("記事保存完了",
		"feed_id", feedID,
		"inserted", inserted,
		"duplicates", duplicates,
	)

	return inserted, duplicates, nil
}
