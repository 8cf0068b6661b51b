package compose

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/TobiSchelling/RedditDigest/internal/database"
)

var issueDate = time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC)

func ptr(s string) *string { return &s }

func sampleItems() []database.Item {
	return []database.Item{
		{
			ID:           "abc",
			Title:        "TIL octopuses have three hearts",
			Author:       "marine",
			URL:          "https://www.reddit.com/r/todayilearned/comments/abc/til/",
			Permalink:    "https://www.reddit.com/r/todayilearned/comments/abc/til/",
			Community:    "todayilearned",
			Score:        5120,
			CommentCount: 312,
			Enrichment: &database.Enrichment{
				Summary:       "Octopus anatomy surprises readers.",
				CommentDigest: "People share more odd facts.",
			},
		},
		{
			ID:           "def",
			Title:        "New Go release",
			Author:       "gopher",
			URL:          "https://go.dev/blog/go1.26",
			Permalink:    "https://www.reddit.com/r/golang/comments/def/new_go_release/",
			Community:    "golang",
			Score:        900,
			CommentCount: 45,
			BodyExcerpt:  "The Go team released a new version.",
		},
		{
			ID:          "feed:0123456789abcdef",
			Title:       "Weekly roundup",
			URL:         "https://blog.example.com/roundup",
			Permalink:   "https://blog.example.com/roundup",
			Community:   "Example",
			BodyExcerpt: "Links from the week.",
		},
	}
}

func TestTextGolden(t *testing.T) {
	d := New("Reddit Daily Digest", "The Editor", issueDate, ptr("Cats beat dogs again."), sampleItems())

	g := goldie.New(t)
	g.Assert(t, "text_digest", []byte(d.Text()))
}

func TestSubject(t *testing.T) {
	if got := Subject("Reddit Daily Digest", issueDate); got != "Reddit Daily Digest - 2026-02-06" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestNewFallbackNote(t *testing.T) {
	for _, note := range []*string{nil, ptr(""), ptr("   ")} {
		d := New("T", "E", issueDate, note, nil)
		if d.EditorNote != FallbackEditorNote {
			t.Errorf("expected fallback note, got %q", d.EditorNote)
		}
	}
	d := New("T", "E", issueDate, ptr("  Hello  "), nil)
	if d.EditorNote != "Hello" {
		t.Errorf("expected trimmed note, got %q", d.EditorNote)
	}
}

func TestMarkdown(t *testing.T) {
	items := sampleItems()
	items[0].Title = "Stars *and* [brackets]"
	d := New("Digest", "Ed", issueDate, ptr("Note"), items)
	out := d.Markdown()

	if !strings.HasPrefix(out, "# Digest\n\n*2026-02-06*\n\n> Note\n") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, `## 1. [Stars \*and\* \[brackets\]](https://www.reddit.com/r/todayilearned/comments/abc/til/)`) {
		t.Errorf("expected escaped title link:\n%s", out)
	}
	if !strings.Contains(out, "**Summary:** Octopus anatomy surprises readers.") {
		t.Error("expected summary")
	}
	if !strings.Contains(out, "[Original link](https://go.dev/blog/go1.26)") {
		t.Error("expected original link for link post")
	}
	if strings.Contains(out, "Example · 0 points") {
		t.Error("expected no score line for feed items")
	}
}

func TestHTML(t *testing.T) {
	d := New("Digest", "Ed", issueDate, ptr("Note <b>bold</b>"), sampleItems())
	out, err := d.HTML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"<title>Digest - 2026-02-06</title>",
		"<h1>Digest</h1>",
		`<a href="https://go.dev/blog/go1.26">Original link</a>`,
		"<strong>Summary:</strong>",
		"<blockquote>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in HTML output", want)
		}
	}
	// goldmark drops raw HTML unless unsafe rendering is enabled.
	if strings.Contains(out, "<b>bold</b>") {
		t.Error("expected raw HTML in the note to be omitted")
	}
}

func TestEmptyDigest(t *testing.T) {
	d := New("Digest", "Ed", issueDate, nil, nil)
	if !strings.Contains(d.Text(), "No new posts today.") || !strings.Contains(d.Markdown(), "No new posts today.") {
		t.Error("expected empty-digest message")
	}
}
