package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExcerptShortTextUnchanged(t *testing.T) {
	if got := Excerpt("  hello \n world  ", 500); got != "hello world" {
		t.Errorf("expected 'hello world', got %q", got)
	}
}

func TestExcerptTruncatesOnRuneBoundary(t *testing.T) {
	got := Excerpt("日本語のテキストです", 3)
	if got != "日本語..." {
		t.Errorf("expected '日本語...', got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Error("expected valid UTF-8")
	}
}

func TestExcerptNormalizesNFC(t *testing.T) {
	decomposed := "cafe\u0301"
	got := Excerpt(decomposed, 0)
	if got != "caf\u00e9" {
		t.Errorf("expected composed form, got %q", got)
	}
	if utf8.RuneCountInString(got) != 4 {
		t.Errorf("expected 4 runes, got %d", utf8.RuneCountInString(got))
	}
}

func TestExcerptDropsTrailingSpaceBeforeEllipsis(t *testing.T) {
	if got := Excerpt("one two three", 4); got != "one..." {
		t.Errorf("expected 'one...', got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "hé"},
		{"abc", 0, ""},
	}
	for _, c := range cases {
		if got := Truncate(c.in, c.max); got != c.want {
			t.Errorf("Truncate(%q, %d): expected %q, got %q", c.in, c.max, c.want, got)
		}
	}
}

func TestHTMLToText(t *testing.T) {
	got := HTMLToText(`<p>Hello <b>world</b> &amp; friends</p><p>Next</p><script>alert(1)</script>`)
	if got != "Hello world & friends Next" {
		t.Errorf("unexpected text: %q", got)
	}
}

func TestHTMLToTextPlain(t *testing.T) {
	if got := HTMLToText("just  text"); got != "just text" {
		t.Errorf("expected 'just text', got %q", got)
	}
}

func TestStripMarkdown(t *testing.T) {
	got := StripMarkdown("## **Bold** and `code`\n> quoted")
	if strings.ContainsAny(got, "*#`>") {
		t.Errorf("expected markdown markers removed, got %q", got)
	}
	if got != "Bold and code quoted" {
		t.Errorf("unexpected result: %q", got)
	}
}
