package item

import (
	"context"
	"testing"

	"github.com/akiyama/feedpipe/internal/model"
)

// listRecordingRepo はListByFeedの引数を記録するモック。
type listRecordingRepo struct {
	mockItemRepo
	gotFeedID string
	gotLimit  int
}

func (m *listRecordingRepo) ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error) {
	m.gotFeedID = feedID
	m.gotLimit = limit
	return []*model.Item{{ID: "item-1", FeedID: feedID}}, nil
}

// TestListByFeed_AppliesDefaultLimit はlimit未指定時にデフォルト値が使われることを検証する。
func TestListByFeed_AppliesDefaultLimit(t *testing.T) {
	repo := &listRecordingRepo{}
	svc := NewService(repo)

	items, err := svc.ListByFeed(context.Background(), "feed-1", 0)
	if err != nil {
		t.Fatalf("ListByFeed() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(items))
	}
	if repo.gotLimit != defaultListLimit {
		t.Errorf("limit = %d, want %d", repo.gotLimit, defaultListLimit)
	}
	if repo.gotFeedID != "feed-1" {
		t.Errorf("feedID = %q, want feed-1", repo.gotFeedID)
	}
}

// TestListByFeed_PassesExplicitLimit は指定limitがそのまま渡ることを検証する。
func TestListByFeed_PassesExplicitLimit(t *testing.T) {
	repo := &listRecordingRepo{}
	svc := NewService(repo)

	if _, err := svc.ListByFeed(context.Background(), "feed-1", 25); err != nil {
		t.Fatalf("ListByFeed() error = %v", err)
	}
	if repo.gotLimit != 25 {
		t.Errorf("limit = %d, want 25", repo.gotLimit)
	}
}

// TestGetItem_NotFoundReturnsNil は存在しない記事でnilが返ることを検証する。
func TestGetItem_NotFoundReturnsNil(t *testing.T) {
	svc := NewService(&mockItemRepo{})

	it, err := svc.GetItem(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if it != nil {
		t.Errorf("item = %+v, want nil", it)
	}
}
