package fetch

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultGone はフィードが恒久的に取得不能なステータス（404/410/401/403）。
	FetchResultGone
	// FetchResultTransient は一過性の失敗ステータス（429/5xx）。
	FetchResultTransient
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

// deactivateThreshold は恒久的な取得失敗によるフィード停止の閾値。
// error_countがこの値に達すると、Goneクラスのステータスやパース失敗が
// 続いたフィードは自動的にinactiveになり、以後スケジューリングされない。
const deactivateThreshold = 10

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return FetchResultGone
	case statusCode == 401 || statusCode == 403:
		return FetchResultGone
	case statusCode == 429:
		return FetchResultTransient
	case statusCode >= 500:
		return FetchResultTransient
	default:
		return FetchResultUnknown
	}
}

// ShouldDeactivate は恒久的な失敗が続いたフィードを停止すべきかを判定する。
// errorCountは今回の失敗を記録した後の値を渡す。
func ShouldDeactivate(errorCount int) bool {
	return errorCount >= deactivateThreshold
}
