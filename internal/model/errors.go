// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrNotFound はエンティティが存在しない場合に返されるセンチネルエラー。
var ErrNotFound = errors.New("entity not found")

// ErrConflict は条件付き書き込みの前提条件が満たされなかった場合に返される。
// 冪等な挿入では「既に保存済み」を意味する成功扱いのno-op、
// スケジューラの条件付き更新では「他のインスタンスが先に進めた」を意味する。
var ErrConflict = errors.New("conditional write conflict")

// RetryableError は再試行で回復しうるエラー（ネットワーク/ストアのタイムアウト等）。
// キューの再配信やChangeNotifierの分割再試行の対象になる。
type RetryableError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s", e.Err.Error())
}

// Unwrap はラップされた元エラーを返す。
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError は再試行可能エラーを生成する。
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// FatalError は再試行しても回復しないエラー（プログラム/設定の誤り等）。
// 再試行を経由せず直ちにデッドレターに送られる。
type FatalError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Err.Error())
}

// Unwrap はラップされた元エラーを返す。
func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError は致命的エラーを生成する。
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// IsRetryable はエラーが再試行可能かどうかを判定する。
// RetryableErrorでもFatalErrorでもないエラーは再試行可能とみなす
// （一過性のIOエラーを取りこぼさないため）。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	return !errors.As(err, &fatal)
}

// IsFatal はエラーが致命的かどうかを判定する。
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsConflict は条件付き書き込みの競合かどうかを判定する。
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound はエンティティ未検出かどうかを判定する。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// APIError は購読APIの統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL      = "INVALID_URL"
	ErrCodeSSRFBlocked     = "SSRF_BLOCKED"
	ErrCodeFetchFailed     = "FETCH_FAILED"
	ErrCodeParseFailed     = "PARSE_FAILED"
	ErrCodeDuplicateFeed   = "DUPLICATE_FEED"
	ErrCodeFeedNotFound    = "FEED_NOT_FOUND"
	ErrCodeFeedNotDetected = "FEED_NOT_DETECTED"
	ErrCodeInvalidInterval = "INVALID_INTERVAL"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "feed",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "フィードの解析に失敗しました。",
		Category: "feed",
	}
}

// NewDuplicateFeedError は同一URLのフィードが既に登録済みの場合のエラーを生成する。
func NewDuplicateFeedError(feedURL string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateFeed,
		Message:  fmt.Sprintf("このフィードURLは既に登録されています: %s", feedURL),
		Category: "feed",
	}
}

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "feed",
	}
}

// NewFeedNotDetectedError はフィード自動検出の失敗エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "feed",
	}
}

// NewInvalidIntervalError はポーリング間隔が無効な場合のエラーを生成する。
func NewInvalidIntervalError(minutes int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInterval,
		Message:  fmt.Sprintf("無効なポーリング間隔です: %d分", minutes),
		Category: "validation",
	}
}
