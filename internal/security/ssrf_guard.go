// Package security はフィード取得まわりのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// blockedCIDRs はフィードURLとして到達を許可しないネットワーク範囲。
// 購読者が任意のURLを登録できるため、内部ネットワークや
// クラウドメタデータへのフェッチをSSRFとして拒否する。
var blockedCIDRs = []string{
	// プライベートIPアドレス (RFC 1918)
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	// ループバック (RFC 1122)
	"127.0.0.0/8",
	// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
	"169.254.0.0/16",
	// カレントネットワーク
	"0.0.0.0/8",
	// IPv6ループバック
	"::1/128",
	// IPv6リンクローカル
	"fe80::/10",
	// IPv6ユニークローカル
	"fc00::/7",
}

// SSRFGuard はフィードURLのSSRF検証と、SSRF防止付きHTTPクライアントの
// 生成を行う。登録時の事前検証（ValidateURL）とフェッチ時の
// クライアント生成（NewSafeClient）の両方で使用される。
type SSRFGuard struct {
	allowedSchemes []string
	allowedPorts   []int
	blockedNets    []net.IPNet
}

// NewSSRFGuard はSSRFGuardを生成する。
// ブロック対象のネットワーク範囲はここで1回だけパースする。
func NewSSRFGuard() *SSRFGuard {
	g := &SSRFGuard{
		allowedSchemes: []string{"http", "https"},
		allowedPorts:   []int{80, 443},
	}
	for _, cidr := range blockedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedCIDRs: %s: %v", cidr, err))
		}
		g.blockedNets = append(g.blockedNets, *network)
	}
	return g
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlがnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// ValidateURLをすり抜けるDNS再バインディング攻撃もここで防止される。
// レスポンスボディはmaxResponseSizeで打ち切られ、超過時は読み取りエラーになる。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	client := safeurl.Client(config).Client
	client.Transport = &limitTransport{inner: client.Transport, max: maxResponseSize}
	return client
}

// limitTransport はレスポンスボディのサイズ上限を強制するRoundTripper。
// 巨大なフィードを無制限に読み込まないための保険で、
// 上限を超えた読み取りはhttp.MaxBytesErrorになる。
type limitTransport struct {
	inner http.RoundTripper
	max   int64
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if t.max > 0 {
		resp.Body = http.MaxBytesReader(nil, resp.Body, t.max)
	}
	return resp, nil
}

// ValidateURL はフィードURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証のみを行い、フィード登録時に
// HTTPリクエストを送信する前のチェックとして使用する。
// ホスト名で指定されたURLのDNS解決後の検証はNewSafeClientの
// クライアント側Dialerが担当する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !g.isAllowedScheme(parsed.Scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", parsed.Scheme, g.allowedSchemes)
	}

	// URLにユーザー情報が含まれるフィードは受け付けない
	if parsed.User != nil {
		return fmt.Errorf("URL must not contain userinfo: %s", rawURL)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	// ポート検証: フェッチ用クライアントが許可するポートと揃える
	if port := parsed.Port(); port != "" && !g.isAllowedPort(port) {
		return fmt.Errorf("disallowed port: %s (allowed: %v)", port, g.allowedPorts)
	}

	// IPアドレス直指定の場合: ブロック対象CIDRとの照合
	if ip := net.ParseIP(host); ip != nil {
		if g.isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func (g *SSRFGuard) isAllowedScheme(scheme string) bool {
	for _, allowed := range g.allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func (g *SSRFGuard) isAllowedPort(port string) bool {
	for _, allowed := range g.allowedPorts {
		if port == fmt.Sprintf("%d", allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func (g *SSRFGuard) isBlockedIP(ip net.IP) bool {
	for _, network := range g.blockedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はDNS解決せずに拒否できる危険なホスト名かを検証する。
// "localhost" とそのサブドメイン（RFC 6761）、および末尾ドット付きの
// 表記ゆれを対象にする。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	return lower == "localhost" || strings.HasSuffix(lower, ".localhost")
}
