// Package textutil normalizes text coming from forums, feeds and LLMs.
package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// Excerpt NFC-normalizes s, collapses whitespace and truncates it to at most
// max runes, appending "..." when something was cut. max <= 0 disables truncation.
func Excerpt(s string, max int) string {
	s = CollapseSpace(norm.NFC.String(s))
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimRightFunc(Truncate(s, max), isSpace) + "..."
}

// Truncate cuts s to at most max runes without splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// CollapseSpace trims s and replaces internal whitespace runs with single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// HTMLToText extracts the visible text of an HTML fragment.
func HTMLToText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return CollapseSpace(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return CollapseSpace(html)
	}
	doc.Find("script, style").Remove()
	// Block elements would otherwise glue adjacent words together.
	doc.Find("p, br, div, li, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})
	return CollapseSpace(doc.Text())
}

var markdownReplacer = strings.NewReplacer("**", "", "__", "", "`", "", "#", "", "*", "", ">", "")

// StripMarkdown removes emphasis, heading and quote markers from LLM output.
func StripMarkdown(s string) string {
	return CollapseSpace(markdownReplacer.Replace(s))
}

func isSpace(r rune) bool {
	return r == ' '
}
