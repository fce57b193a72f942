package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/akiyama/feedpipe/internal/item"
	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/security"
)

// memItemRepo は(feed_id, fingerprint)一意制約を再現するインメモリ実装。
type memItemRepo struct {
	mu    sync.Mutex
	items map[string]*model.Item
}

func newMemItemRepo() *memItemRepo {
	return &memItemRepo{items: make(map[string]*model.Item)}
}

func (r *memItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, nil
}

func (r *memItemRepo) InsertIfAbsent(ctx context.Context, it *model.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := it.FeedID + "/" + it.Fingerprint
	if _, ok := r.items[key]; ok {
		return model.ErrConflict
	}
	r.items[key] = it
	return nil
}

func (r *memItemRepo) ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Item
	for _, it := range r.items {
		if it.FeedID == feedID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (r *memItemRepo) CountByFeed(ctx context.Context, feedID string) (int, error) {
	items, _ := r.ListByFeed(ctx, feedID, 0)
	return len(items), nil
}

func rssWithItems(n int) string {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>連続ポーリング</title>`
	for i := 0; i < n; i++ {
		body += fmt.Sprintf(`<item>
<title>記事%d</title>
<link>https://blog.example.com/entry-%d</link>
<guid>entry-%d</guid>
<description>本文%d</description>
<pubDate>Mon, 04 Aug 2025 1%d:00:00 +0000</pubDate>
</item>`, i, i, i, i, i%10)
	}
	return body + "</channel></rss>"
}

// TestPollPipeline_DeduplicatesAcrossPolls は連続するポーリングで
// 既知の記事が重複保存されないことを検証する。
// 初回ポーリングで3記事、2回目は同じ3記事+新規1記事を返すフィードに対し、
// 保存されるのは合計4記事だけになる。
func TestPollPipeline_DeduplicatesAcrossPolls(t *testing.T) {
	itemCount := 3
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := itemCount
		mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssWithItems(n)))
	}))
	defer server.Close()

	itemRepo := newMemItemRepo()
	store := item.NewStoreService(itemRepo, security.NewContentSanitizer())

	f := NewFetcher(&mockFeedRepo{}, store, &mockSSRFGuard{}, &recordingCollector{}, testLogger(), 0, 1<<20)
	feed := activeFeed(server.URL)

	// 初回ポーリング: 3記事すべて保存される
	if err := f.Poll(context.Background(), feed); err != nil {
		t.Fatalf("first poll failed: %v", err)
	}
	if count, _ := itemRepo.CountByFeed(context.Background(), feed.ID); count != 3 {
		t.Fatalf("items after first poll = %d, want 3", count)
	}

	// 2回目: 既知の3記事+新規1記事
	mu.Lock()
	itemCount = 4
	mu.Unlock()

	if err := f.Poll(context.Background(), feed); err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if count, _ := itemRepo.CountByFeed(context.Background(), feed.ID); count != 4 {
		t.Errorf("items after second poll = %d, want 4", count)
	}
}

// TestPollPipeline_DuplicateDeliveryIsNoop はタスクの重複配信で
// 同じポーリングを2回実行しても記事が増えないことを検証する。
func TestPollPipeline_DuplicateDeliveryIsNoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssWithItems(3)))
	}))
	defer server.Close()

	itemRepo := newMemItemRepo()
	store := item.NewStoreService(itemRepo, security.NewContentSanitizer())

	f := NewFetcher(&mockFeedRepo{}, store, &mockSSRFGuard{}, &recordingCollector{}, testLogger(), 0, 1<<20)
	feed := activeFeed(server.URL)

	for i := 0; i < 2; i++ {
		if err := f.Poll(context.Background(), feed); err != nil {
			t.Fatalf("poll %d failed: %v", i+1, err)
		}
	}

	if count, _ := itemRepo.CountByFeed(context.Background(), feed.ID); count != 3 {
		t.Errorf("items after duplicate delivery = %d, want 3", count)
	}
}
