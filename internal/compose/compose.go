// Package compose renders a digest as markdown, plain text and HTML email.
package compose

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/textutil"
)

// FallbackEditorNote is used when no LLM note could be written.
const FallbackEditorNote = "Welcome to today's selection of the most popular Reddit posts!"

const textExcerptChars = 100

//go:embed templates/email.html
var templateFS embed.FS

var (
	md        = goldmark.New()
	emailTmpl = template.Must(template.ParseFS(templateFS, "templates/email.html"))
)

// Digest is everything needed to render one issue.
type Digest struct {
	Title      string
	EditorName string
	Date       time.Time
	EditorNote string
	Items      []database.Item
}

// New assembles a digest, substituting the fallback when note is nil or blank.
func New(title, editorName string, date time.Time, note *string, items []database.Item) Digest {
	d := Digest{Title: title, EditorName: editorName, Date: date, Items: items, EditorNote: FallbackEditorNote}
	if note != nil && strings.TrimSpace(*note) != "" {
		d.EditorNote = strings.TrimSpace(*note)
	}
	return d
}

// Subject formats the email subject line.
func Subject(title string, date time.Time) string {
	return fmt.Sprintf("%s - %s", title, date.Format("2006-01-02"))
}

// Subject formats the email subject line of the digest.
func (d Digest) Subject() string {
	return Subject(d.Title, d.Date)
}

// Markdown renders the digest as a markdown document.
func (d Digest) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n*%s*\n\n", d.Title, d.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "> %s\n>\n> *%s*\n\n", d.EditorNote, d.EditorName)

	if len(d.Items) == 0 {
		b.WriteString("No new posts today.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Today's picks: %d posts\n", len(d.Items))
	for i, it := range d.Items {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "## %d. [%s](%s)\n\n", i+1, escapeMarkdown(it.Title), it.Permalink)
		fmt.Fprintf(&b, "%s", it.Source())
		if it.Author != "" {
			fmt.Fprintf(&b, " · u/%s", it.Author)
		}
		if !it.IsFeed() {
			fmt.Fprintf(&b, " · %d points · %d comments", it.Score, it.CommentCount)
		}
		b.WriteString("\n\n")

		if it.BodyExcerpt != "" {
			fmt.Fprintf(&b, "%s\n\n", it.BodyExcerpt)
		}
		if it.Enrichment != nil && it.Enrichment.Summary != "" {
			fmt.Fprintf(&b, "**Summary:** %s\n\n", it.Enrichment.Summary)
		}
		if it.Enrichment != nil && it.Enrichment.CommentDigest != "" {
			fmt.Fprintf(&b, "**From the comments:** %s\n\n", it.Enrichment.CommentDigest)
		}
		if it.URL != "" && it.URL != it.Permalink {
			fmt.Fprintf(&b, "[Original link](%s)\n", it.URL)
		}
	}
	return b.String()
}

// Text renders the plain-text alternative part.
func (d Digest) Text() string {
	var b strings.Builder
	header := fmt.Sprintf("%s - %s", d.Title, d.Date.Format("2006-01-02"))
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("=", len([]rune(header))) + "\n\n")
	fmt.Fprintf(&b, "Editor's note: %s\n-- %s\n\n", d.EditorNote, d.EditorName)

	if len(d.Items) == 0 {
		b.WriteString("No new posts today.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Today's picks: %d posts\n\n", len(d.Items))
	for i, it := range d.Items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it.Title)
		if it.IsFeed() {
			fmt.Fprintf(&b, "   Source: %s\n", it.Source())
		} else {
			fmt.Fprintf(&b, "   Community: %s | Author: u/%s\n", it.Source(), it.Author)
			fmt.Fprintf(&b, "   Score: %d | Comments: %d\n", it.Score, it.CommentCount)
		}
		if it.BodyExcerpt != "" {
			fmt.Fprintf(&b, "   Content: %s\n", textutil.Excerpt(it.BodyExcerpt, textExcerptChars))
		}
		if it.Enrichment != nil && it.Enrichment.Summary != "" {
			fmt.Fprintf(&b, "   Summary: %s\n", it.Enrichment.Summary)
		}
		if it.Enrichment != nil && it.Enrichment.CommentDigest != "" {
			fmt.Fprintf(&b, "   Comments: %s\n", it.Enrichment.CommentDigest)
		}
		fmt.Fprintf(&b, "   Link: %s\n", it.Permalink)
		if it.URL != "" && it.URL != it.Permalink {
			fmt.Fprintf(&b, "   Original: %s\n", it.URL)
		}
		b.WriteString("\n")
	}
	b.WriteString("This email was generated automatically.\n")
	return b.String()
}

// HTML renders the markdown body into the email template.
func (d Digest) HTML() (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(d.Markdown()), &body); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}

	var out bytes.Buffer
	err := emailTmpl.Execute(&out, map[string]any{
		"Title": d.Title,
		"Date":  d.Date.Format("2006-01-02"),
		"Body":  template.HTML(body.String()), //nolint: gosec
	})
	if err != nil {
		return "", fmt.Errorf("executing email template: %w", err)
	}
	return out.String(), nil
}

var markdownEscaper = strings.NewReplacer("[", `\[`, "]", `\]`, "*", `\*`, "_", `\_`, "`", "\\`")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
