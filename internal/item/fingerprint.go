// Package item は記事の重複排除と保存を提供する。
package item

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// ComputeFingerprint は重複排除キーとなるフィンガープリントを計算する。
// 正規化したタイトル・リンク・公開日時のSHA-256ハッシュを返す。
// 入力が同じであれば常に同じ値を返すため、重複配信や並行実行でも
// 同一記事は同一フィンガープリントに収束する。
func ComputeFingerprint(title, link string, publishedAt *time.Time) string {
	pubStr := ""
	if publishedAt != nil {
		pubStr = publishedAt.UTC().Format(time.RFC3339)
	}
	data := fmt.Sprintf("%s|%s|%s", normalize(title), normalize(link), pubStr)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ItemIdentity は記事の識別子を決定する。
// フィード提供のGUIDを最優先し、GUIDがない場合は
// フィンガープリントを識別子として代用する。
func ItemIdentity(parsed model.ParsedItem, fingerprint string) string {
	if parsed.GuidOrID != "" {
		return parsed.GuidOrID
	}
	return fingerprint
}

// normalize はフィンガープリント計算用にテキストを正規化する。
// 前後の空白を除去し、連続する空白を1つに畳む。
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
