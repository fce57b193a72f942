package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// DeadLetterListerInterface はデッドレターハンドラーが必要とするインターフェース。
type DeadLetterListerInterface interface {
	// List はデッドレターを新しい順に最大limit件返す。
	List(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}

// DeadLetterHandler はデッドレター調査用のHTTPハンドラー。
// デッドレターは自動再試行されないため、オペレータはこのAPIで内容を確認する。
type DeadLetterHandler struct {
	lister DeadLetterListerInterface
}

// NewDeadLetterHandler はDeadLetterHandlerを生成する。
func NewDeadLetterHandler(lister DeadLetterListerInterface) *DeadLetterHandler {
	return &DeadLetterHandler{lister: lister}
}

// deadLetterResponse はデッドレターのAPIレスポンス。
type deadLetterResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	FeedID        string    `json:"feed_id"`
	Payload       string    `json:"payload"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// defaultDeadLetterLimit はデッドレター一覧のデフォルト取得件数。
const defaultDeadLetterLimit = 50

// ListDeadLetters はデッドレター一覧の取得を処理する。
// GET /api/deadletters?limit=N
func (h *DeadLetterHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
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

	letters, err := h.lister.List(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res := make([]deadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		res = append(res, deadLetterResponse{
			ID:            dl.ID,
			Kind:          string(dl.Kind),
			FeedID:        dl.FeedID,
			Payload:       dl.Payload,
			Attempts:      dl.Attempts,
			LastError:     dl.LastError,
			FirstFailedAt: dl.FirstFailedAt,
			CreatedAt:     dl.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"dead_letters": res})
}
