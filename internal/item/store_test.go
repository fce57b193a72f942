package item

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// mockItemRepo はItemRepositoryのテスト用モック。
type mockItemRepo struct {
	insertFunc func(ctx context.Context, item *model.Item) error
	inserted   []*model.Item
}

func (m *mockItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) InsertIfAbsent(ctx context.Context, item *model.Item) error {
	if m.insertFunc != nil {
		if err := m.insertFunc(ctx, item); err != nil {
			return err
		}
	}
	m.inserted = append(m.inserted, item)
	return nil
}

func (m *mockItemRepo) ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) CountByFeed(ctx context.Context, feedID string) (int, error) {
	return len(m.inserted), nil
}

// passthroughSanitizer はマーカーを付けるだけのサニタイザモック。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(html string) string {
	return strings.ReplaceAll(html, "<script>", "")
}

// TestStoreItems_InsertsAll は全記事が挿入されることを検証する。
func TestStoreItems_InsertsAll(t *testing.T) {
	repo := &mockItemRepo{}
	svc := NewStoreService(repo, passthroughSanitizer{})

	published := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	items := []model.ParsedItem{
		{GuidOrID: "guid-1", Title: "記事1", Link: "https://example.com/1", PublishedAt: &published},
		{Title: "記事2", Link: "https://example.com/2"},
	}

	inserted, duplicates, err := svc.StoreItems(context.Background(), "feed-1", items)
	if err != nil {
		t.Fatalf("StoreItems() error = %v", err)
	}
	if inserted != 2 || duplicates != 0 {
		t.Errorf("inserted = %d, duplicates = %d, want 2, 0", inserted, duplicates)
	}

	first := repo.inserted[0]
	if first.GuidOrID != "guid-1" {
		t.Errorf("GuidOrID = %q, want guid-1", first.GuidOrID)
	}
	if first.Fingerprint == "" {
		t.Error("fingerprint should be computed")
	}
	if first.FeedID != "feed-1" {
		t.Errorf("FeedID = %q, want feed-1", first.FeedID)
	}

	// GUIDがない記事はフィンガープリントが識別子になる
	second := repo.inserted[1]
	if second.GuidOrID != second.Fingerprint {
		t.Errorf("GuidOrID = %q, want fingerprint %q", second.GuidOrID, second.Fingerprint)
	}
}

// TestStoreItems_CountsConflictsAsDuplicates はErrConflictが重複として扱われることを検証する。
func TestStoreItems_CountsConflictsAsDuplicates(t *testing.T) {
	calls := 0
	repo := &mockItemRepo{
		insertFunc: func(ctx context.Context, item *model.Item) error {
			calls++
			if calls == 2 {
				return model.ErrConflict
			}
			return nil
		},
	}
	svc := NewStoreService(repo, passthroughSanitizer{})

	items := []model.ParsedItem{
		{Title: "記事1", Link: "https://example.com/1"},
		{Title: "記事2", Link: "https://example.com/2"},
		{Title: "記事3", Link: "https://example.com/3"},
	}

	inserted, duplicates, err := svc.StoreItems(context.Background(), "feed-1", items)
	if err != nil {
		t.Fatalf("StoreItems() error = %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
	if duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", duplicates)
	}
}

// TestStoreItems_SanitizesContent は保存前にサニタイズされることを検証する。
func TestStoreItems_SanitizesContent(t *testing.T) {
	repo := &mockItemRepo{}
	svc := NewStoreService(repo, passthroughSanitizer{})

	items := []model.ParsedItem{
		{Title: "記事", Link: "https://example.com/1", Content: "<script>alert(1)</script><p>本文</p>"},
	}

	if _, _, err := svc.StoreItems(context.Background(), "feed-1", items); err != nil {
		t.Fatalf("StoreItems() error = %v", err)
	}

	if strings.Contains(repo.inserted[0].Content, "<script>") {
		t.Errorf("content not sanitized: %q", repo.inserted[0].Content)
	}
}

// TestStoreItems_StopsOnRepoError はリポジトリエラーで中断しエラーを返すことを検証する。
func TestStoreItems_StopsOnRepoError(t *testing.T) {
	repoErr := errors.New("db down")
	calls := 0
	repo := &mockItemRepo{
		insertFunc: func(ctx context.Context, item *model.Item) error {
			calls++
			if calls == 2 {
				return repoErr
			}
			return nil
		},
	}
	svc := NewStoreService(repo, passthroughSanitizer{})

	items := []model.ParsedItem{
		{Title: "記事1", Link: "https://example.com/1"},
		{Title: "記事2", Link: "https://example.com/2"},
		{Title: "記事3", Link: "https://example.com/3"},
	}

	inserted, _, err := svc.StoreItems(context.Background(), "feed-1", items)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, repoErr) {
		t.Errorf("error = %v, want wrapped %v", err, repoErr)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1 (stopped at failure)", inserted)
	}
	if calls != 2 {
		t.Errorf("insert calls = %d, want 2", calls)
	}
}

// TestStoreItems_EmptyInput は空入力がno-opであることを検証する。
func TestStoreItems_EmptyInput(t *testing.T) {
	repo := &mockItemRepo{}
	svc := NewStoreService(repo, passthroughSanitizer{})

	inserted, duplicates, err := svc.StoreItems(context.Background(), "feed-1", nil)
	if err != nil {
		t.Fatalf("StoreItems() error = %v", err)
	}
	if inserted != 0 || duplicates != 0 {
		t.Errorf("inserted = %d, duplicates = %d, want 0, 0", inserted, duplicates)
	}
}
