package middleware

import (
	"net/http"
	"strings"
)

// NewSecurityHeadersMiddleware はレスポンスにセキュリティヘッダーを付与するミドルウェアを返す。
// サーバーはJSONとSSEしか返さないため、CSPはすべてのリソース読み込みを拒否する。
// タスクや認証のレスポンスは利用者ごとに異なるので、/api/と/auth/はキャッシュさせない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/auth/") {
				h.Set("Cache-Control", "no-store")
			}
			next.ServeHTTP(w, r)
		})
	}
}
