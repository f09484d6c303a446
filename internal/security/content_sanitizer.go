// Package security はサーバーから届いたテキストの無害化を提供する。
//
// 通知のタイトルや本文はサーバー側で組み立てられるが、表示層がHTMLとして
// 解釈しても安全なように、取り込み時にタグをすべて除去したプレーンテキストにする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示用テキストの無害化インターフェース。
type TextSanitizer interface {
	// Sanitize はHTMLタグを除去し、エンティティをデコードしたプレーンテキストを返す。
	// 前後の空白は除去する。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使うTextSanitizerの実装。
// ポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// StrictPolicyは & や < をエスケープして返すため、表示層で二重エスケープされないようデコードする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
