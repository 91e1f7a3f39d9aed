// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// Googleのトークン/ユーザー情報エンドポイントへの通信に使用する。
// safeurlのデフォルト設定により、プライベートIP、ループバック、リンクローカル、
// メタデータIPへの接続はDNS解決後のDialer段階でブロックされる。
// 許可するのはhttpsの443番ポートのみ。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
