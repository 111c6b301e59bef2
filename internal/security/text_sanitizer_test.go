package security

import "testing"

// TestSanitizeText はタグが除去され、本文が残ることを検証する。
func TestSanitizeText(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "プレーンテキストはそのまま", input: "Buy milk", want: "Buy milk"},
		{name: "キリル文字はそのまま", input: "купить молоко", want: "купить молоко"},
		{name: "記号は実体参照にしない", input: "Milk & bread <3", want: "Milk & bread <3"},
		{name: "scriptタグは中身ごと除去", input: "<script>alert(1)</script>Call mom", want: "Call mom"},
		{name: "書式タグは除去して本文を残す", input: "<b>Pay</b> <i>rent</i>", want: "Pay rent"},
		{name: "イベント属性付きのタグを除去", input: `<img src=x onerror="alert(1)">Dentist`, want: "Dentist"},
		{name: "前後の空白を除去", input: "  Walk the dog \n", want: "Walk the dog"},
		{name: "空文字", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeText(tt.input); got != tt.want {
				t.Errorf("SanitizeText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitizeText_Idempotent は同一入力を2回通しても結果が変わらないことを検証する。
func TestSanitizeText_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	input := "<p>Buy <em>eggs</em> & milk</p>"

	first := s.SanitizeText(input)
	second := s.SanitizeText(first)
	if first != second {
		t.Errorf("not idempotent: %q -> %q", first, second)
	}
}

// TestSanitizeURL はhttp(s)の絶対URLのみ通過することを検証する。
func TestSanitizeURL(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"https://shop.example.com/milk", "https://shop.example.com/milk"},
		{"http://shop.example.com/img.png", "http://shop.example.com/img.png"},
		{"  https://shop.example.com/a  ", "https://shop.example.com/a"},
		{"javascript:alert(1)", ""},
		{"data:image/png;base64,AAAA", ""},
		{"/relative/path", ""},
		{"", ""},
		{"://broken", ""},
	}

	for _, tt := range tests {
		if got := s.SanitizeURL(tt.input); got != tt.want {
			t.Errorf("SanitizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
