// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerService は外部サービス由来のテキスト（キャプション、AI要約）を
// サニタイズし、埋め込まれたHTMLやスクリプト断片を除去する。
// サニタイズ後のテキストはWhatsAppメッセージとダッシュボードAPIの両方で
// そのまま表示できるプレーンテキストとなる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はテキストサニタイズ機能のインターフェースを定義する。
// キャプションの保存前とAI要約の保存前に使用される。
type TextSanitizerService interface {
	// Sanitize はテキストからすべてのHTMLタグを除去したプレーンテキストを返す。
	// タグ除去で生じたHTMLエンティティは元の文字に戻し、改行は保持しつつ
	// 行内の連続する空白を1つに畳む。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはすべてのタグを除去し、テキストノードのみを残す。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストからすべてのHTMLタグを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := s.policy.Sanitize(raw)

	// StrictPolicyは残したテキストをエスケープするため、
	// 表示用のプレーンテキストに戻す
	unescaped := html.UnescapeString(stripped)

	// 改行は保持し、行内の空白だけを畳む
	lines := strings.Split(unescaped, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.Join(strings.Fields(line), " ")
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
