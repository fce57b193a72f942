package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/akiyama/feedpipe/internal/metrics"
	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

// ItemStorer は記事の冪等な保存処理のインターフェース。
type ItemStorer interface {
	StoreItems(ctx context.Context, feedID string, items []model.ParsedItem) (int, int, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// gofeedによるパース、StoreServiceによる記事保存を実行する。
// 戻り値のエラー分類が呼び出し元のAck判断を決める:
// nilならAck、RetryableErrorなら未Ackのまま残して再配信を待つ。
type Fetcher struct {
	feedRepo    repository.FeedRepository
	store       ItemStorer
	ssrfGuard   SSRFValidator
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	feedRepo repository.FeedRepository,
	store ItemStorer,
	ssrfGuard SSRFValidator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		feedRepo:    feedRepo,
		store:       store,
		ssrfGuard:   ssrfGuard,
		collector:   collector,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Poll はフィードを1回ポーリングし、結果に応じてフィード状態を更新する。
// FeedPollerインターフェースを実装する。
func (f *Fetcher) Poll(ctx context.Context, feed *model.Feed) error {
	start := time.Now()

	// SSRF検証
	if err := f.ssrfGuard.ValidateURL(feed.FeedURL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("error", err.Error()),
		)
		f.recordFailure(ctx, feed, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
		return model.NewFatalError(fmt.Errorf("SSRF検証に失敗: %w", err))
	}

	// HTTPリクエスト構築
	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.FeedURL, nil)
	if err != nil {
		return model.NewFatalError(fmt.Errorf("リクエスト作成に失敗: %w", err))
	}

	req.Header.Set("User-Agent", "Feedpipe/1.0 Feed Aggregator")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	// 条件付きGET: Last-Modified
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	// HTTPリクエスト実行
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("error", err.Error()),
		)
		f.recordFailure(ctx, feed, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		return model.NewRetryableError(fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	f.collector.RecordHTTPStatus(resp.StatusCode)

	// HTTPステータスに基づく処理分岐
	result := ClassifyHTTPStatus(resp.StatusCode)

	switch result {
	case FetchResultNotModified:
		// 304: コンテンツ未変更 - last_polled_atの更新とエラーカウントのリセットのみ
		f.logger.Info("フィードは未変更です（304）",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		now := time.Now()
		feed.LastPolledAt = &now
		if err := f.feedRepo.UpdateAfterPoll(ctx, feed); err != nil {
			return model.NewRetryableError(err)
		}
		f.collector.RecordPollSuccess(feed.ID)
		f.collector.RecordPollLatency(duration)
		return nil

	case FetchResultGone:
		// 404/410/401/403: 恒久的な取得失敗
		reason := fmt.Sprintf("HTTPステータス %d により取得できませんでした", resp.StatusCode)
		f.logger.Warn("フィードが恒久的に取得不能です",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("error_count", feed.ErrorCount+1),
		)
		f.recordFailure(ctx, feed, reason)
		return model.NewFatalError(fmt.Errorf("恒久的な取得失敗: HTTPステータス %d", resp.StatusCode))

	case FetchResultTransient:
		// 429/5xx: 一過性の失敗 - 再配信を待つ
		reason := fmt.Sprintf("HTTPステータス %d による一過性の失敗", resp.StatusCode)
		f.logger.Warn("フィードフェッチが一過性の失敗になりました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		f.recordFailure(ctx, feed, reason)
		return model.NewRetryableError(fmt.Errorf("一過性の取得失敗: HTTPステータス %d", resp.StatusCode))

	case FetchResultOK:
		// 200: 正常フェッチ - 以下で処理を続行
	default:
		// その他のステータスコード
		f.logger.Warn("予期しないHTTPステータスコード",
			slog.String("feed_id", feed.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		f.recordFailure(ctx, feed, fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode))
		return model.NewRetryableError(fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode))
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		f.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		f.recordFailure(ctx, feed, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		return model.NewRetryableError(fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}

	// カーソル（ETag/Last-Modified）を保存
	if etag := resp.Header.Get("ETag"); etag != "" {
		feed.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		feed.LastModified = lastMod
	}

	// gofeedでフィードをパース
	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.String("error", err.Error()),
		)
		f.collector.RecordParseFailure(feed.ID)
		f.recordFailure(ctx, feed, fmt.Sprintf("パース失敗: %s", err.Error()))
		return model.NewFatalError(fmt.Errorf("フィードのパースに失敗: %w", err))
	}

	// フィードメタデータを更新
	if parsedFeed.Title != "" {
		feed.Title = parsedFeed.Title
	}
	if parsedFeed.Link != "" {
		feed.SiteURL = parsedFeed.Link
	}
	if parsedFeed.Description != "" {
		feed.Description = parsedFeed.Description
	}
	if parsedFeed.Language != "" {
		feed.Language = parsedFeed.Language
	}
	if parsedFeed.FeedType != "" {
		feed.FeedVersion = strings.TrimSpace(parsedFeed.FeedType + " " + parsedFeed.FeedVersion)
	}

	// gofeedの記事をParsedItemに変換
	parsedItems := convertGofeedItems(parsedFeed.Items)

	// StoreServiceで記事を条件付き保存（重複はno-op）
	inserted, duplicates, err := f.store.StoreItems(ctx, feed.ID, parsedItems)
	if err != nil {
		f.logger.Error("記事の保存に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		f.recordFailure(ctx, feed, fmt.Sprintf("記事保存失敗: %s", err.Error()))
		return model.NewRetryableError(fmt.Errorf("記事の保存に失敗: %w", err))
	}

	// カーソル・メタデータ・last_polled_atを書き込み、エラーカウントをリセット
	now := time.Now()
	feed.LastPolledAt = &now
	if err := f.feedRepo.UpdateAfterPoll(ctx, feed); err != nil {
		f.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		return model.NewRetryableError(err)
	}

	f.collector.RecordPollSuccess(feed.ID)
	f.collector.RecordPollLatency(duration)
	f.collector.RecordItemsInserted(inserted)
	f.collector.RecordItemsDuplicate(duplicates)

	f.logger.Info("フィードポーリングが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items_inserted", inserted),
		slog.Int("items_duplicate", duplicates),
		slog.Int("items_total", len(parsedItems)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// recordFailure はポーリング失敗をフィードに記録し、
// 恒久的な失敗が続いたフィードを停止する。
func (f *Fetcher) recordFailure(ctx context.Context, feed *model.Feed, message string) {
	f.collector.RecordPollFailure(feed.ID, message)

	if err := f.feedRepo.RecordPollError(ctx, feed.ID, message); err != nil {
		f.logger.Error("ポーリングエラーの記録に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if ShouldDeactivate(feed.ErrorCount + 1) {
		f.logger.Warn("失敗が続いたためフィードを停止します",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("error_count", feed.ErrorCount+1),
		)
		if err := f.feedRepo.Deactivate(ctx, feed.ID); err != nil {
			f.logger.Error("フィードの停止に失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// convertGofeedItems はgofeedの記事をmodel.ParsedItemに変換する。
func convertGofeedItems(items []*gofeed.Item) []model.ParsedItem {
	parsedItems := make([]model.ParsedItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		parsed := model.ParsedItem{
			Title:      item.Title,
			Link:       item.Link,
			Content:    item.Content,
			Summary:    item.Description,
			Categories: item.Categories,
		}

		// GUIDの設定: gofeedはGUIDをitem.GUIDに格納
		if item.GUID != "" {
			parsed.GuidOrID = item.GUID
		}

		// 著者情報
		if item.Author != nil {
			parsed.Author = item.Author.Name
		}
		// Authorsが空でAuthor文字列がある場合
		if parsed.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			parsed.Author = item.Authors[0].Name
		}

		// コメントリンク（RSSのcomments要素）
		if comments, ok := item.Custom["comments"]; ok {
			parsed.CommentsLink = comments
		}

		// 公開日時
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			parsed.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			parsed.PublishedAt = &t
		}

		// Contentが空の場合はDescriptionを使用
		if parsed.Content == "" && item.Description != "" {
			parsed.Content = item.Description
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if parsed.Link == "" && parsed.GuidOrID != "" &&
			(strings.HasPrefix(parsed.GuidOrID, "http://") || strings.HasPrefix(parsed.GuidOrID, "https://")) {
			parsed.Link = parsed.GuidOrID
		}

		parsedItems = append(parsedItems, parsed)
	}

	return parsedItems
}
