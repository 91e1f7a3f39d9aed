package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateLoopbackRedirect はターミナルクライアントが指定したredirect_uriを検証する。
// サーバーが発行したセッションIDを渡す先になるため、
// 自ホストのループバックアドレス上のhttp URLのみを許可する。
func ValidateLoopbackRedirect(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty redirect URI")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return fmt.Errorf("redirect URI must use http: %s", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("redirect URI must not contain userinfo")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}
	if u.Port() == "" {
		return fmt.Errorf("redirect URI must specify a port")
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("redirect URI host is not loopback: %s", host)
	}
	return nil
}

// SafeLocalPath はサインイン後の戻り先として使えるアプリ内パスを返す。
// "/"で始まる相対パス以外（スキーム付きURLや"//host"形式）は"/"に置き換える。
func SafeLocalPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return p
}
