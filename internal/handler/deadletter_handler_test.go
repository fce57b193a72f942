package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// mockDeadLetterLister はDeadLetterListerInterfaceのテスト用モック。
type mockDeadLetterLister struct {
	listFunc func(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}

func (m *mockDeadLetterLister) List(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, limit)
	}
	return nil, errors.New("not implemented")
}

var _ DeadLetterListerInterface = (*mockDeadLetterLister)(nil)

// TestListDeadLetters_Success はデッドレター一覧が200を返すことを検証する。
func TestListDeadLetters_Success(t *testing.T) {
	failedAt := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	var gotLimit int
	lister := &mockDeadLetterLister{
		listFunc: func(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
			gotLimit = limit
			return []*model.DeadLetter{
				{
					ID:            "dl-1",
					Kind:          model.DeadLetterKindPollTask,
					FeedID:        "feed-1",
					Payload:       `{"feed_id":"feed-1"}`,
					Attempts:      5,
					LastError:     "connection refused",
					FirstFailedAt: failedAt,
					CreatedAt:     failedAt,
				},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/deadletters?limit=10", nil)
	w := httptest.NewRecorder()

	NewDeadLetterHandler(lister).ListDeadLetters(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotLimit != 10 {
		t.Errorf("limit = %d, want 10", gotLimit)
	}

	var res struct {
		DeadLetters []deadLetterResponse `json:"dead_letters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(res.DeadLetters) != 1 {
		t.Fatalf("len(dead_letters) = %d, want 1", len(res.DeadLetters))
	}
	if res.DeadLetters[0].Attempts != 5 {
		t.Errorf("attempts = %d, want 5", res.DeadLetters[0].Attempts)
	}
	if res.DeadLetters[0].Kind != string(model.DeadLetterKindPollTask) {
		t.Errorf("kind = %q", res.DeadLetters[0].Kind)
	}
}

// TestListDeadLetters_DefaultLimit はlimit未指定時にデフォルト値が使われることを検証する。
func TestListDeadLetters_DefaultLimit(t *testing.T) {
	var gotLimit int
	lister := &mockDeadLetterLister{
		listFunc: func(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
			gotLimit = limit
			return nil, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/deadletters", nil)
	w := httptest.NewRecorder()

	NewDeadLetterHandler(lister).ListDeadLetters(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotLimit != defaultDeadLetterLimit {
		t.Errorf("limit = %d, want %d", gotLimit, defaultDeadLetterLimit)
	}
}

// TestListDeadLetters_InvalidLimit は不正なlimitが400を返すことを検証する。
func TestListDeadLetters_InvalidLimit(t *testing.T) {
	lister := &mockDeadLetterLister{}

	req := httptest.NewRequest(http.MethodGet, "/api/deadletters?limit=-1", nil)
	w := httptest.NewRecorder()

	NewDeadLetterHandler(lister).ListDeadLetters(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// TestListDeadLetters_ServiceError はリポジトリエラーが500を返すことを検証する。
func TestListDeadLetters_ServiceError(t *testing.T) {
	lister := &mockDeadLetterLister{
		listFunc: func(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
			return nil, errors.New("db down")
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/deadletters", nil)
	w := httptest.NewRecorder()

	NewDeadLetterHandler(lister).ListDeadLetters(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
