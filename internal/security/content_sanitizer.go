package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
// フィード記事のsummary/contentは外部サイトが自由に書けるHTMLのため、
// 保存前に必ずここを通す。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 空文字列の入力には空文字列を返し、同一入力には常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// contentSanitizer はbluemondayの許可リストポリシーによるサニタイザ。
// ポリシーはスレッドセーフなため、全ワーカーで1インスタンスを共有できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer は記事コンテンツ用のサニタイザを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{policy: buildItemContentPolicy()}
}

// buildItemContentPolicy はフィード記事本文用のbluemondayポリシーを構築する。
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - script, iframe, style は許可リストに含めないことで自動的に除去される
//   - on*イベント属性はbluemondayのデフォルトで許可されない
//   - imgのsrc属性はhttpsのみ（httpのトラッキングピクセルやdata: URIは落とす）
//   - aタグにはtarget="_blank"とrel="noopener noreferrer"を強制付与
func buildItemContentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	// リンク: 相対URLはフィードコンテンツでは解決できないため不許可
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	// 画像: httpsのみ。altはアクセシビリティのため残す
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return p
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
