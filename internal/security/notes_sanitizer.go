package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// NotesSanitizerService は予定本文のサニタイズ機能のインターフェースを定義する。
// リモートカレンダーの予定説明はHTML断片を含み得るため、
// 正規化時にプレーンテキストへ変換してから表示層に渡す。
type NotesSanitizerService interface {
	// SanitizeToText はHTMLを含み得る予定本文を表示用のプレーンテキストに変換する。
	// scriptタグやイベント属性は除去され、ブロック要素の境界は改行に置き換えられる。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeToText(raw string) string
}

// notesSanitizer はNotesSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type notesSanitizer struct {
	policy *bluemonday.Policy
}

// NewNotesSanitizer はNotesSanitizerServiceの新しいインスタンスを生成する。
// bluemondayのUGCポリシーを使用し、危険なタグ・属性を除去した後に
// x/net/htmlでテキストノードのみを取り出す2段構成とする。
func NewNotesSanitizer() *notesSanitizer {
	return &notesSanitizer{
		policy: bluemonday.UGCPolicy(),
	}
}

// blockElements はテキスト抽出時に改行へ置き換えるブロック要素。
var blockElements = map[string]bool{
	"p": true, "br": true, "div": true, "li": true,
	"ul": true, "ol": true, "blockquote": true, "pre": true,
}

// SanitizeToText はHTMLを含み得る予定本文を表示用のプレーンテキストに変換する。
func (s *notesSanitizer) SanitizeToText(raw string) string {
	if raw == "" {
		return ""
	}

	// 1. 危険なマークアップの除去
	sanitized := s.policy.Sanitize(raw)

	// 2. テキストノードの抽出
	// html.Parseは不正な断片も寛容に受理するため、パース失敗は実質発生しない。
	doc, err := html.Parse(strings.NewReader(sanitized))
	if err != nil {
		return strings.TrimSpace(sanitized)
	}

	var sb strings.Builder
	extractText(doc, &sb)

	return collapseBlankLines(sb.String())
}

// extractText はDOMツリーを走査してテキストノードを収集する。
// ブロック要素の終端では改行を挿入し、段落構造を保つ。
func extractText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb)
	}

	if n.Type == html.ElementNode && blockElements[n.Data] {
		sb.WriteString("\n")
	}
}

// collapseBlankLines は連続する空行を1つにまとめ、前後の空白を除去する。
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, trimmed)
		blank = false
	}
	// 末尾の空行を除去
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// compile-time interface check
var _ NotesSanitizerService = (*notesSanitizer)(nil)
