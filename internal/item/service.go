package item

import (
	"context"

	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

// Service は購読API向けの記事読み取り機能を提供する。
type Service struct {
	itemRepo repository.ItemRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(itemRepo repository.ItemRepository) *Service {
	return &Service{itemRepo: itemRepo}
}

// defaultListLimit は記事一覧のデフォルト取得件数。
const defaultListLimit = 100

// ListByFeed はフィードの記事一覧をpublished_at降順で返す。
// limitが0以下の場合はデフォルト値を使用する。
func (s *Service) ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.itemRepo.ListByFeed(ctx, feedID, limit)
}

// GetItem は指定IDの記事を取得する。見つからない場合はnilを返す。
func (s *Service) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	return s.itemRepo.FindByID(ctx, itemID)
}
