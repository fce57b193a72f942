package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akiyama/feedpipe/internal/model"
)

// TestWriteErrorResponse_Format は統一エラーフォーマットで出力されることを検証する。
func TestWriteErrorResponse_Format(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     model.ErrCodeInvalidURL,
		Message:  "URLが不正です。",
		Category: "validation",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Code != model.ErrCodeInvalidURL {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidURL)
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want validation", body.Category)
	}
}

// TestWriteInternalServerError_HidesDetail は内部エラーが一般的メッセージで返ることを検証する。
func TestWriteInternalServerError_HidesDetail(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}
