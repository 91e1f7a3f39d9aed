package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はタスク本文をプレーンテキストに正規化する。
// 本文はHTMLとして表示されないが、Webクライアントへの埋め込みに備えて
// 保存前にすべてのマークアップを除去する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エスケープされた実体参照を戻し、前後の空白を除去する。
// bluemondayのポリシーはgoroutine安全なので並行に呼び出してよい。
func (s *TextSanitizer) Sanitize(text string) string {
	cleaned := s.policy.Sanitize(text)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}
