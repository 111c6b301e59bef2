// Package security はユーザー入力の無害化を提供する。
//
// タスク本文はUIにそのまま表示されるため、保存前にマークアップをすべて除去する。
// bluemondayのStrictPolicyでタグを取り除き、エスケープされた文字実体は元の文字に戻す。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はタスク本文と商品情報を無害化する。
// bluemondayのポリシーはスレッドセーフなので、1つのインスタンスを共有してよい。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はすべてのタグを除去したプレーンテキストを返す。
// "Milk & bread" のような通常の記号はそのまま残す。
func (s *TextSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// SanitizeURL はhttpまたはhttpsの絶対URLだけを通し、それ以外は空文字を返す。
func (s *TextSanitizer) SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
