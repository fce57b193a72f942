package item

import (
	"testing"
	"time"

	"github.com/akiyama/feedpipe/internal/model"
)

// TestComputeFingerprint_Deterministic は同一入力が常に同一値になることを検証する。
func TestComputeFingerprint_Deterministic(t *testing.T) {
	published := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	a := ComputeFingerprint("タイトル", "https://example.com/post", &published)
	b := ComputeFingerprint("タイトル", "https://example.com/post", &published)

	if a != b {
		t.Errorf("fingerprint not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(fingerprint) = %d, want 64 hex chars", len(a))
	}
}

// TestComputeFingerprint_NormalizesWhitespace は空白の揺れが吸収されることを検証する。
func TestComputeFingerprint_NormalizesWhitespace(t *testing.T) {
	a := ComputeFingerprint("  Hello   World  ", "https://example.com", nil)
	b := ComputeFingerprint("Hello World", "https://example.com", nil)

	if a != b {
		t.Error("whitespace variations should produce the same fingerprint")
	}
}

// TestComputeFingerprint_TimezoneInsensitive は公開日時がUTCに正規化されることを検証する。
func TestComputeFingerprint_TimezoneInsensitive(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	inJST := time.Date(2025, 6, 1, 18, 0, 0, 0, jst)
	inUTC := inJST.UTC()

	a := ComputeFingerprint("title", "link", &inJST)
	b := ComputeFingerprint("title", "link", &inUTC)

	if a != b {
		t.Error("same instant in different zones should produce the same fingerprint")
	}
}

// TestComputeFingerprint_DifferentInputsDiffer は異なる記事が衝突しないことを検証する。
func TestComputeFingerprint_DifferentInputsDiffer(t *testing.T) {
	published := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	a := ComputeFingerprint("記事A", "https://example.com/a", &published)
	b := ComputeFingerprint("記事B", "https://example.com/b", &published)
	c := ComputeFingerprint("記事A", "https://example.com/a", nil)

	if a == b {
		t.Error("different titles/links should differ")
	}
	if a == c {
		t.Error("presence of published date should change the fingerprint")
	}
}

// TestItemIdentity_PrefersGUID はGUIDが識別子として優先されることを検証する。
func TestItemIdentity_PrefersGUID(t *testing.T) {
	parsed := model.ParsedItem{GuidOrID: "guid-123"}

	if got := ItemIdentity(parsed, "fp-abc"); got != "guid-123" {
		t.Errorf("ItemIdentity() = %q, want guid-123", got)
	}
}

// TestItemIdentity_FallsBackToFingerprint はGUID欠落時にフィンガープリントで代用されることを検証する。
func TestItemIdentity_FallsBackToFingerprint(t *testing.T) {
	parsed := model.ParsedItem{}

	if got := ItemIdentity(parsed, "fp-abc"); got != "fp-abc" {
		t.Errorf("ItemIdentity() = %q, want fp-abc", got)
	}
}
