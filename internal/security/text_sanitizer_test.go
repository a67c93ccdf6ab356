package security

import "testing"

// TestNewTextSanitizer はTextSanitizerの生成をテストする。
func TestNewTextSanitizer(t *testing.T) {
	s := NewTextSanitizer()
	if s == nil {
		t.Fatal("NewTextSanitizer() returned nil")
	}
}

// TestSanitize_PlainTextPassesThrough はタグを含まないテキストがそのまま返ることをテストする。
func TestSanitize_PlainTextPassesThrough(t *testing.T) {
	s := NewTextSanitizer()

	input := "5 morning habits for deep work #productivity #focus"
	if got := s.Sanitize(input); got != input {
		t.Errorf("プレーンテキストが変更された: got %q, want %q", got, input)
	}
}

// TestSanitize_StripsAllTags はすべてのHTMLタグが除去されることをテストする。
func TestSanitize_StripsAllTags(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"scriptタグ", `before <script>alert("xss")</script> after`, "before after"},
		{"整形タグ", "<p>hello <strong>world</strong></p>", "hello world"},
		{"イベント属性付きタグ", `<img src=x onerror="alert(1)">caption`, "caption"},
		{"iframe", `<iframe src="https://evil.example"></iframe>text`, "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_UnescapesEntities はHTMLエンティティが元の文字に戻ることをテストする。
func TestSanitize_UnescapesEntities(t *testing.T) {
	s := NewTextSanitizer()

	got := s.Sanitize("fish &amp; chips &lt;3")
	want := "fish & chips <3"
	if got != want {
		t.Errorf("エンティティが戻されていない: got %q, want %q", got, want)
	}
}

// TestSanitize_PreservesNewlines はキャプションの改行が保持されることをテストする。
func TestSanitize_PreservesNewlines(t *testing.T) {
	s := NewTextSanitizer()

	got := s.Sanitize("line one\nline   two\nline three")
	want := "line one\nline two\nline three"
	if got != want {
		t.Errorf("改行の扱いが不正: got %q, want %q", got, want)
	}
}

// TestSanitize_EmptyString は空文字列の入力に空文字列を返すことをテストする。
func TestSanitize_EmptyString(t *testing.T) {
	s := NewTextSanitizer()
	if got := s.Sanitize(""); got != "" {
		t.Errorf("空文字列の入力に %q が返った", got)
	}
}

// TestSanitize_IsIdempotent は同一入力に対して常に同一出力を返すことをテストする。
func TestSanitize_IsIdempotent(t *testing.T) {
	s := NewTextSanitizer()

	input := `<b>recipe</b> &amp; notes`
	first := s.Sanitize(input)
	second := s.Sanitize(first)
	if first != second {
		t.Errorf("冪等性が破れている: 1回目 %q, 2回目 %q", first, second)
	}
}

// TestTextSanitizerInterface はTextSanitizerがインターフェースを正しく実装していることをテストする。
func TestTextSanitizerInterface(t *testing.T) {
	var _ TextSanitizerService = NewTextSanitizer()
}
