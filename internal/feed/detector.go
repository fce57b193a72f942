// Package feed はフィード登録・管理のドメインロジックを提供する。
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
	"golang.org/x/net/html"
)

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	// FeedTypeRSS はRSSフィード。
	FeedTypeRSS FeedType = "rss"
	// FeedTypeAtom はAtomフィード。
	FeedTypeAtom FeedType = "atom"
)

// FeedCandidate はHTMLから検出されたフィード候補を表す。
type FeedCandidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FeedDetector はフィード自動検出機能を提供する。
type FeedDetector struct {
	ssrfGuard SSRFValidator
}

// NewFeedDetector はFeedDetectorの新しいインスタンスを生成する。
func NewFeedDetector(ssrfGuard SSRFValidator) *FeedDetector {
	return &FeedDetector{
		ssrfGuard: ssrfGuard,
	}
}

// feedMediaTypes はフィード固有のContent-Typeとlink type属性の対応表。
var feedMediaTypes = map[string]FeedType{
	"application/rss+xml":  FeedTypeRSS,
	"application/atom+xml": FeedTypeAtom,
}

// genericXMLMediaTypes は汎用XMLのContent-Type。
// これらの場合はボディを検査しないとフィードかどうか判定できない。
var genericXMLMediaTypes = map[string]bool{
	"text/xml":        true,
	"application/xml": true,
}

// normalizeMediaType はContent-Typeヘッダからcharset等のパラメータを
// 除いた小文字のメディアタイプを取り出す。
func normalizeMediaType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// IsDirectFeed はContent-Typeとボディを解析して、
// 指定されたレスポンスがRSS/Atomフィードかどうかを判定する。
func (d *FeedDetector) IsDirectFeed(contentType string, body []byte) bool {
	mediaType := normalizeMediaType(contentType)

	if _, ok := feedMediaTypes[mediaType]; ok {
		return true
	}
	// 汎用XMLとして配信するサイトも多いため、その場合はボディで判定する
	if genericXMLMediaTypes[mediaType] {
		return sniffFeedXML(body)
	}
	return false
}

// sniffFeedXML はXMLボディの先頭部分からRSS/Atomフィードかを判定する。
// XMLプロローグとルート要素が収まる先頭4KBだけを検査する。
func sniffFeedXML(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	prefix := bytes.ToLower(head)

	switch {
	case bytes.Contains(prefix, []byte("<rss")):
		return true
	case bytes.Contains(prefix, []byte("<rdf:rdf")):
		return true
	case bytes.Contains(prefix, []byte("<feed")) &&
		bytes.Contains(prefix, []byte("http://www.w3.org/2005/atom")):
		return true
	}
	return false
}

// linkAttrs はHTML link要素から取り出す属性の組。
type linkAttrs struct {
	rel   string
	typ   string
	href  string
	title string
}

// readLinkAttrs は現在のlinkトークンの属性を読み取る。
func readLinkAttrs(tokenizer *html.Tokenizer) linkAttrs {
	var attrs linkAttrs
	for {
		key, val, more := tokenizer.TagAttr()
		v := string(val)
		switch strings.ToLower(string(key)) {
		case "rel":
			attrs.rel = strings.ToLower(v)
		case "type":
			attrs.typ = strings.ToLower(v)
		case "href":
			attrs.href = v
		case "title":
			attrs.title = v
		}
		if !more {
			return attrs
		}
	}
}

// relContainsAlternate はrel属性（空白区切りのトークン列）に
// alternateが含まれるかを判定する。
func relContainsAlternate(rel string) bool {
	for _, token := range strings.Fields(rel) {
		if token == "alternate" {
			return true
		}
	}
	return false
}

// ParseFeedLinksFromHTML はHTMLのheadタグからRSS/Atomフィードリンクを解析・検出する。
// 相対URLはbaseURLを基準に絶対URLに解決される。
// bodyタグに入った時点で解析を打ち切る。
func (d *FeedDetector) ParseFeedLinksFromHTML(htmlBody []byte, baseURL string) []FeedCandidate {
	var candidates []FeedCandidate

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return candidates
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return candidates

		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == "head" {
				return candidates
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "head":
				inHead = true
				continue
			case "body":
				return candidates
			case "link":
				if !inHead || !hasAttr {
					continue
				}
			default:
				continue
			}

			attrs := readLinkAttrs(tokenizer)
			if !relContainsAlternate(attrs.rel) || attrs.href == "" {
				continue
			}
			feedType, ok := feedMediaTypes[attrs.typ]
			if !ok {
				continue
			}
			resolved := resolveURL(baseU, attrs.href)
			if resolved == "" {
				continue
			}

			candidates = append(candidates, FeedCandidate{
				URL:      resolved,
				FeedType: feedType,
				Title:    attrs.title,
			})
		}
	}
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// candidateScore はフィード候補の優先度を算出する。
// 同一ホスト(+100) > Atom(+10)。同スコアは呼び出し側で先頭優先になる。
func candidateScore(c FeedCandidate, inputHost string) int {
	score := 0
	if extractHost(c.URL) == inputHost {
		score += 100
	}
	if c.FeedType == FeedTypeAtom {
		score += 10
	}
	return score
}

// SelectBestFeed は複数のフィード候補から優先順位に従って最適なフィードを選択する。
// 優先順位: 同一ホスト > Atom > RSS > 先頭
func (d *FeedDetector) SelectBestFeed(candidates []FeedCandidate, inputURL string) *FeedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	inputHost := extractHost(inputURL)
	bestIdx := 0
	bestScore := -1
	for i, c := range candidates {
		// 同スコアはインデックスが小さい方を優先する
		if score := candidateScore(c, inputHost); score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return &candidates[bestIdx]
}

// extractHost はURLからホスト名を抽出する。
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Detection はフィード検出の結果を表す。
// 入力URL自体がフィードだった場合、Bodyに取得済みのフィード本文が入る。
// HTMLの自動検出で候補URLが選ばれた場合はBodyがnilになり、
// 呼び出し側がFeedURLを改めて取得する。
type Detection struct {
	FeedURL string
	Body    []byte
}

// Detect はURLがフィードかHTMLかを判定し、フィードURLを検出する。
// 1. SSRF検証を実行
// 2. URLにHTTPリクエストを送信
// 3. Content-Typeとボディからフィードかどうかを判定
// 4. HTMLの場合はheadタグからフィードリンクを検出し、優先順位で選択
// 5. フィード未検出の場合はエラー（原因カテゴリ付き）を返す
func (d *FeedDetector) Detect(ctx context.Context, inputURL string) (*Detection, error) {
	// 空URLチェック
	if inputURL == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}

	// SSRF検証
	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(inputURL); err != nil {
			return nil, model.NewSSRFBlockedError()
		}
	}

	// HTTPリクエスト送信
	client := d.getHTTPClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inputURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Feedpipe/1.0 Feed Aggregator")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	// レスポンスボディを読み込み（最大5MB）
	const maxBodySize = 5 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")

	// フィード直接判定: 取得済みボディをそのまま返し、再取得を省く
	if d.IsDirectFeed(contentType, body) {
		return &Detection{FeedURL: inputURL, Body: body}, nil
	}

	// HTMLでもフィードでもない場合は検出不可
	if !strings.Contains(normalizeMediaType(contentType), "html") {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	// HTMLからフィードリンクを検出
	candidates := d.ParseFeedLinksFromHTML(body, inputURL)
	if len(candidates) == 0 {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	// 優先順位に従って最適なフィードを選択
	best := d.SelectBestFeed(candidates, inputURL)
	if best == nil {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	return &Detection{FeedURL: best.URL}, nil
}

// FetchBody は検出済みフィードURLの本文を取得する。
// HTML自動検出で選ばれた候補URLのボディ取得に使用する。
func (d *FeedDetector) FetchBody(ctx context.Context, feedURL string) ([]byte, error) {
	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(feedURL); err != nil {
			return nil, model.NewSSRFBlockedError()
		}
	}

	client := d.getHTTPClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Feedpipe/1.0 Feed Aggregator")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	const maxBodySize = 5 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return body, nil
}

// getHTTPClient はHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (d *FeedDetector) getHTTPClient() *http.Client {
	if d.ssrfGuard != nil {
		return d.ssrfGuard.NewSafeClient(10*time.Second, 5*1024*1024)
	}
	return &http.Client{Timeout: 10 * time.Second}
}
