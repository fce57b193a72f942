package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akiyama/feedpipe/internal/model"
)

// ItemServiceInterface は記事ハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	// ListByFeed はフィードの記事一覧をpublished_at降順で返す。
	ListByFeed(ctx context.Context, feedID string, limit int) ([]*model.Item, error)
	// GetItem は指定IDの記事を取得する。見つからない場合はnilを返す。
	GetItem(ctx context.Context, itemID string) (*model.Item, error)
}

// ItemHandler は記事読み取りのHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// itemSummaryResponse は記事一覧で返すサマリーレスポンス。
type itemSummaryResponse struct {
	ID          string     `json:"id"`
	FeedID      string     `json:"feed_id"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Summary     string     `json:"summary"`
	Author      string     `json:"author"`
	PublishedAt *time.Time `json:"published_at"`
}

// itemDetailResponse は記事詳細のレスポンス。本文を含む。
type itemDetailResponse struct {
	itemSummaryResponse
	Content      string   `json:"content"`
	Categories   []string `json:"categories"`
	CommentsLink string   `json:"comments_link"`
}

// maxListLimit は記事一覧の最大取得件数。
const maxListLimit = 500

// ListItems はフィードごとの記事一覧を処理する。
// GET /api/feeds/:id/items?limit=N
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_LIMIT",
				Message:  "limitは1以上500以下の整数で指定してください。",
				Category: "validation",
			})
			return
		}
		limit = parsed
	}

	items, err := h.service.ListByFeed(r.Context(), feedID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res := make([]itemSummaryResponse, 0, len(items))
	for _, it := range items {
		res = append(res, toItemSummary(it))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"items": res})
}

// GetItem は記事詳細の取得を処理する。
// GET /api/items/:id
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	it, err := h.service.GetItem(r.Context(), itemID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if it == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "ITEM_NOT_FOUND",
			Message:  "指定された記事が見つかりません。",
			Category: "feed",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(itemDetailResponse{
		itemSummaryResponse: toItemSummary(it),
		Content:             it.Content,
		Categories:          it.Categories,
		CommentsLink:        it.CommentsLink,
	})
}

// toItemSummary はmodel.Itemからサマリーレスポンスに変換する。
func toItemSummary(it *model.Item) itemSummaryResponse {
	return itemSummaryResponse{
		ID:          it.ID,
		FeedID:      it.FeedID,
		Title:       it.Title,
		Link:        it.Link,
		Summary:     it.Summary,
		Author:      it.Author,
		PublishedAt: it.PublishedAt,
	}
}
