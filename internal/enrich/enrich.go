// Package enrich adds LLM summaries and an editor note to selected items.
// Every step is best-effort: a failed call leaves the item as it was.
package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/llm"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/textutil"
)

// NoComments is the comment digest for items without any comments.
const NoComments = "No comments yet."

const (
	summaryTokens     = 80
	digestTokens      = 120
	editorTokens      = 180
	promptBodyChars   = 1000
	commentBodyChars  = 200
	maxDigestComments = 5
	maxEditorTopics   = 5
	editorTitleChars  = 100
)

const summaryPrompt = `Write a concise summary of this popular Reddit post.

Title: %s
Content: %s

Requirements:
1. Plain text only, no Markdown symbols
2. 30 to 40 words
3. One sentence on why it is popular
4. Output the summary directly without a heading`

const commentDigestPrompt = `Summarize the most valuable points from this Reddit comment section.

Comments:
%s

Requirements:
1. Extract the 2 or 3 most valuable points or discussions
2. One sentence per point, 60 words in total at most
3. Stay objective and neutral
4. Output the points directly without a heading or prefix`

const editorPrompt = `You are the witty editor of a Reddit newsletter. Today's top posts, by popularity:

%s

Write a 60 to 80 word opening in the style of a social media post:
1. Mention every post above, in order
2. Dry humour: tie the topics together with teasing or a twist
3. Add a little background on why each is trending
4. No numbering, connect the topics naturally
5. Output the text directly without quotes or a heading`

// Options selects which enrichment steps run.
type Options struct {
	Summaries  bool
	EditorNote bool
}

// Result holds the counters of an EnrichItems call.
type Result struct {
	Summaries      int
	CommentDigests int
	Errors         int
}

// Enricher generates summaries with an optional provider. A nil provider
// disables every LLM call.
type Enricher struct {
	provider llm.Provider
	opts     Options
	log      logging.Logger
}

// NewEnricher creates an enricher.
func NewEnricher(provider llm.Provider, opts Options, log logging.Logger) *Enricher {
	return &Enricher{provider: provider, opts: opts, log: log}
}

// Enabled reports whether any LLM step can run.
func (e *Enricher) Enabled() bool {
	return e.provider != nil && (e.opts.Summaries || e.opts.EditorNote)
}

// EnrichItems returns a copy of items with Enrichment filled where the
// provider produced something. It never fails.
func (e *Enricher) EnrichItems(ctx context.Context, items []database.Item) ([]database.Item, Result) {
	out := make([]database.Item, len(items))
	copy(out, items)

	var r Result
	if e.provider == nil || !e.opts.Summaries {
		return out, r
	}

	for i := range out {
		if ctx.Err() != nil {
			break
		}
		it := &out[i]
		enr := database.Enrichment{}
		if it.Enrichment != nil {
			enr = *it.Enrichment
		}

		if enr.Summary == "" {
			summary, err := e.summarize(ctx, *it)
			if err != nil {
				r.Errors++
				e.log.WithError(err).WithField("item_id", it.ID).Warn("Summary generation failed")
			} else if summary != "" {
				enr.Summary = summary
				r.Summaries++
			}
		}

		if enr.CommentDigest == "" {
			digest, err := e.commentDigest(ctx, it.TopComments)
			if err != nil {
				r.Errors++
				e.log.WithError(err).WithField("item_id", it.ID).Warn("Comment digest failed")
			} else if digest != "" {
				enr.CommentDigest = digest
				r.CommentDigests++
			}
		}

		if !enr.IsEmpty() {
			it.Enrichment = &enr
		}
	}

	e.log.WithFields(logging.Fields{
		"items":           len(out),
		"summaries":       r.Summaries,
		"comment_digests": r.CommentDigests,
		"errors":          r.Errors,
	}).Info("Enrichment complete")
	return out, r
}

func (e *Enricher) summarize(ctx context.Context, it database.Item) (string, error) {
	content := it.BodyExcerpt
	if content == "" {
		content = it.URL
	}
	prompt := fmt.Sprintf(summaryPrompt, it.Title, textutil.Truncate(content, promptBodyChars))
	resp, err := e.provider.Generate(ctx, prompt, summaryTokens)
	if err != nil {
		return "", err
	}
	return textutil.StripMarkdown(resp), nil
}

func (e *Enricher) commentDigest(ctx context.Context, comments []database.Comment) (string, error) {
	if len(comments) == 0 {
		return NoComments, nil
	}
	if len(comments) > maxDigestComments {
		comments = comments[:maxDigestComments]
	}

	parts := make([]string, len(comments))
	for i, c := range comments {
		parts[i] = fmt.Sprintf("%s (%d points):\n%s", c.Author, c.Score, textutil.Truncate(c.Body, commentBodyChars))
	}
	prompt := fmt.Sprintf(commentDigestPrompt, strings.Join(parts, "\n\n"))

	resp, err := e.provider.Generate(ctx, prompt, digestTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// EditorNote writes the opening paragraph from the top item titles. It returns
// nil when the note is disabled or the provider fails.
func (e *Enricher) EditorNote(ctx context.Context, items []database.Item) *string {
	if e.provider == nil || !e.opts.EditorNote || len(items) == 0 {
		return nil
	}

	n := min(len(items), maxEditorTopics)
	topics := make([]string, n)
	for i := range n {
		topics[i] = fmt.Sprintf("%d. %s", i+1, textutil.Truncate(items[i].Title, editorTitleChars))
	}

	resp, err := e.provider.Generate(ctx, fmt.Sprintf(editorPrompt, strings.Join(topics, "\n")), editorTokens)
	if err != nil {
		e.log.WithError(err).Warn("Editor note generation failed")
		return nil
	}
	note := strings.Trim(strings.TrimSpace(resp), `"`)
	if note == "" {
		return nil
	}
	return &note
}
