// Package feed はフィード購読管理のドメインロジックを提供する。
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/akiyama/feedpipe/internal/model"
	"github.com/akiyama/feedpipe/internal/repository"
)

const (
	// defaultIntervalMinutes は新規フィードのデフォルトポーリング間隔（分）。
	defaultIntervalMinutes = 30
	// minIntervalMinutes はポーリング間隔の下限（分）。
	minIntervalMinutes = 5
	// maxIntervalMinutes はポーリング間隔の上限（24時間）。
	maxIntervalMinutes = 1440
)

// Detector はフィード検出のインターフェース。
// テスタビリティのためFeedDetectorを抽象化する。
type Detector interface {
	Detect(ctx context.Context, inputURL string) (*Detection, error)
	FetchBody(ctx context.Context, feedURL string) ([]byte, error)
}

// FeedHealth はフィードとその健全性情報の組。
type FeedHealth struct {
	Feed        *model.Feed
	DeadLetters int
	Healthy     bool
}

// FeedService はフィード購読管理のサービス層。
// 検出 → メタデータ取得 → フィード保存（重複チェック）のフローを統括する。
type FeedService struct {
	feedRepo    repository.FeedRepository
	deadLetters repository.DeadLetterRepository
	detector    Detector
	logger      *slog.Logger
}

// NewFeedService はFeedServiceの新しいインスタンスを生成する。
func NewFeedService(
	feedRepo repository.FeedRepository,
	deadLetters repository.DeadLetterRepository,
	detector Detector,
	logger *slog.Logger,
) *FeedService {
	return &FeedService{
		feedRepo:    feedRepo,
		deadLetters: deadLetters,
		detector:    detector,
		logger:      logger,
	}
}

// CreateFeed はURLからフィードを検出し購読を登録する。
// フロー: 間隔検証 → フィード検出 → 重複チェック → メタデータ取得 → 保存。
// next_due_atは現在時刻に設定され、作成イベント経由で初回ポーリングが
// 即座にエンキューされる。
// intervalMinutesが0の場合はデフォルト間隔を使用する。
func (s *FeedService) CreateFeed(ctx context.Context, inputURL string, intervalMinutes int) (*model.Feed, error) {
	if intervalMinutes == 0 {
		intervalMinutes = defaultIntervalMinutes
	}
	if intervalMinutes < minIntervalMinutes || intervalMinutes > maxIntervalMinutes {
		return nil, model.NewInvalidIntervalError(intervalMinutes)
	}

	// フィードURL検出
	det, err := s.detector.Detect(ctx, inputURL)
	if err != nil {
		return nil, err
	}

	// 既存フィードの重複チェック（feed_urlで検索）
	existing, err := s.feedRepo.FindByFeedURL(ctx, det.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateFeedError(det.FeedURL)
	}

	// フィード本文を取得してメタデータを抽出
	// 入力URLが直接フィードだった場合は検出時のボディを再利用する
	body := det.Body
	if body == nil {
		body, err = s.detector.FetchBody(ctx, det.FeedURL)
		if err != nil {
			return nil, err
		}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		s.logger.Warn("登録時のフィードパースに失敗しました",
			slog.String("feed_url", det.FeedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewParseFailedError()
	}

	pushSupported, hubURL, topicURL := discoverWebSub(parsed, det.FeedURL)

	now := time.Now()
	feed := &model.Feed{
		ID:              uuid.New().String(),
		FeedURL:         det.FeedURL,
		SiteURL:         parsed.Link,
		Title:           parsed.Title,
		Description:     parsed.Description,
		Language:        parsed.Language,
		FeedVersion:     strings.TrimSpace(parsed.FeedType + " " + parsed.FeedVersion),
		Status:          model.FeedStatusActive,
		IntervalMinutes: intervalMinutes,
		NextDueAt:       now,
		PushSupported:   pushSupported,
		PushHubURL:      hubURL,
		PushTopicURL:    topicURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if feed.Title == "" {
		// 初期タイトルはフィードURL（次回ポーリング時に更新される）
		feed.Title = det.FeedURL
	}

	if err := s.feedRepo.Create(ctx, feed); err != nil {
		if model.IsConflict(err) {
			// 検出と保存の間に並行リクエストが同じURLを登録したケース
			return nil, model.NewDuplicateFeedError(det.FeedURL)
		}
		return nil, fmt.Errorf("フィードの保存に失敗しました: %w", err)
	}

	s.logger.Info("フィードを登録しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.Int("interval_minutes", feed.IntervalMinutes),
		slog.Bool("push_supported", feed.PushSupported),
	)

	return feed, nil
}

// GetFeed はフィード情報を取得する。見つからない場合はnilを返す。
func (s *FeedService) GetFeed(ctx context.Context, feedID string) (*model.Feed, error) {
	return s.feedRepo.FindByID(ctx, feedID)
}

// DeactivateFeed はフィードの購読を解除する。
// フィードと保存済み記事は削除されず、以後のスケジューリングだけが停止する。
func (s *FeedService) DeactivateFeed(ctx context.Context, feedID string) error {
	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil {
		return model.NewFeedNotFoundError(feedID)
	}
	if feed.Status == model.FeedStatusInactive {
		// 既に解除済み: 冪等なno-op
		return nil
	}

	if err := s.feedRepo.Deactivate(ctx, feedID); err != nil {
		return fmt.Errorf("フィードの停止に失敗しました: %w", err)
	}

	s.logger.Info("フィードの購読を解除しました",
		slog.String("feed_id", feedID),
		slog.String("feed_url", feed.FeedURL),
	)
	return nil
}

// ListFeeds は全フィードを健全性情報付きで返す。
// デッドレター件数とエラーカウントからフィードごとの健全性を判定する。
func (s *FeedService) ListFeeds(ctx context.Context) ([]*FeedHealth, error) {
	feeds, err := s.feedRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}

	result := make([]*FeedHealth, 0, len(feeds))
	for _, feed := range feeds {
		dlCount, err := s.deadLetters.CountByFeedID(ctx, feed.ID)
		if err != nil {
			return nil, fmt.Errorf("デッドレター件数の取得に失敗しました: %w", err)
		}
		result = append(result, &FeedHealth{
			Feed:        feed,
			DeadLetters: dlCount,
			Healthy:     feed.ErrorCount == 0 && dlCount == 0,
		})
	}
	return result, nil
}

// discoverWebSub はフィードのatom:linkからWebSubのhub/topicリンクを検出する。
// RSSフィードのatom:link拡張のみを対象とする（rel="hub"がハブURL、
// rel="self"がトピックURL）。topicが宣言されていない場合はフィードURLを使う。
func discoverWebSub(parsed *gofeed.Feed, feedURL string) (supported bool, hubURL, topicURL string) {
	atomExt, ok := parsed.Extensions["atom"]
	if !ok {
		return false, "", ""
	}

	for _, link := range atomExt["link"] {
		switch strings.ToLower(link.Attrs["rel"]) {
		case "hub":
			hubURL = link.Attrs["href"]
		case "self":
			topicURL = link.Attrs["href"]
		}
	}

	if hubURL == "" {
		return false, "", ""
	}
	if topicURL == "" {
		topicURL = feedURL
	}
	return true, hubURL, topicURL
}
