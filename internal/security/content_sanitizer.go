package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は自由記述テキストのサニタイズ機能のインターフェースを定義する。
// ポータルのJSONが返す部署名や文書タイトルにはマークアップが混入することが
// あるため、保存前にプレーンテキストへ落とす。
type ContentSanitizerService interface {
	// SanitizeText は入力からすべてのタグを除去し、エンティティを展開した
	// プレーンテキストを返す。空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはすべての要素と属性を除去し、テキストノードのみを残す。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText は入力からタグを除去したプレーンテキストを返す。
// bluemondayはテキストをエスケープ済みで返すため、エンティティを
// 展開してから前後の空白を落とす。
func (s *contentSanitizer) SanitizeText(raw string) string {
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
