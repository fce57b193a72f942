// Package handler はフィード管理APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akiyama/feedpipe/internal/feed"
	"github.com/akiyama/feedpipe/internal/model"
)

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	// CreateFeed はURLからフィードを検出し購読を登録する。
	CreateFeed(ctx context.Context, inputURL string, intervalMinutes int) (*model.Feed, error)
	// GetFeed はフィード情報を取得する。
	GetFeed(ctx context.Context, feedID string) (*model.Feed, error)
	// DeactivateFeed はフィードの購読を解除する。
	DeactivateFeed(ctx context.Context, feedID string) error
	// ListFeeds は全フィードを健全性情報付きで返す。
	ListFeeds(ctx context.Context) ([]*feed.FeedHealth, error)
}

// FeedHandler はフィード管理のHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface) *FeedHandler {
	return &FeedHandler{service: service}
}

// registerFeedRequest はフィード登録リクエストのボディ。
type registerFeedRequest struct {
	URL             string `json:"url"`
	IntervalMinutes int    `json:"interval_minutes"`
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	ID               string     `json:"id"`
	FeedURL          string     `json:"feed_url"`
	SiteURL          string     `json:"site_url"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Language         string     `json:"language"`
	Status           string     `json:"status"`
	IntervalMinutes  int        `json:"interval_minutes"`
	LastPolledAt     *time.Time `json:"last_polled_at"`
	NextDueAt        time.Time  `json:"next_due_at"`
	ErrorCount       int        `json:"error_count"`
	LastErrorMessage string     `json:"last_error_message"`
	PushSupported    bool       `json:"push_supported"`
}

// feedHealthResponse はフィード一覧で返す健全性付きレスポンス。
type feedHealthResponse struct {
	feedResponse
	DeadLetters int  `json:"dead_letters"`
	Healthy     bool `json:"healthy"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// RegisterFeed はフィード登録を処理する。
// POST /api/feeds
func (h *FeedHandler) RegisterFeed(w http.ResponseWriter, r *http.Request) {
	var req registerFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
		})
		return
	}

	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("フィードURLが空です"))
		return
	}

	created, err := h.service.CreateFeed(r.Context(), req.URL, req.IntervalMinutes)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toFeedResponse(created))
}

// GetFeed はフィード情報の取得を処理する。
// GET /api/feeds/:id
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	f, err := h.service.GetFeed(r.Context(), feedID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if f == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(feedID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toFeedResponse(f))
}

// ListFeeds はフィード一覧の取得を処理する。
// GET /api/feeds
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	healths, err := h.service.ListFeeds(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res := make([]feedHealthResponse, 0, len(healths))
	for _, fh := range healths {
		res = append(res, feedHealthResponse{
			feedResponse: toFeedResponse(fh.Feed),
			DeadLetters:  fh.DeadLetters,
			Healthy:      fh.Healthy,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"feeds": res})
}

// DeleteFeed はフィードの購読解除を処理する。
// DELETE /api/feeds/:id
func (h *FeedHandler) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	if err := h.service.DeactivateFeed(r.Context(), feedID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// toFeedResponse はmodel.FeedからAPIレスポンスに変換する。
func toFeedResponse(f *model.Feed) feedResponse {
	return feedResponse{
		ID:               f.ID,
		FeedURL:          f.FeedURL,
		SiteURL:          f.SiteURL,
		Title:            f.Title,
		Description:      f.Description,
		Language:         f.Language,
		Status:           string(f.Status),
		IntervalMinutes:  f.IntervalMinutes,
		LastPolledAt:     f.LastPolledAt,
		NextDueAt:        f.NextDueAt,
		ErrorCount:       f.ErrorCount,
		LastErrorMessage: f.LastErrorMessage,
		PushSupported:    f.PushSupported,
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidInterval:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFeedNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateFeed:
		return http.StatusConflict
	case model.ErrCodeFeedNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
