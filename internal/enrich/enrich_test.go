package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
)

type mockProvider struct {
	response string
	err      error
	prompts  []string
	tokens   []int
}

func (m *mockProvider) Generate(_ context.Context, prompt string, maxTokens int) (string, error) {
	m.prompts = append(m.prompts, prompt)
	m.tokens = append(m.tokens, maxTokens)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured(context.Context) bool { return true }

func (m *mockProvider) Name() string { return "mock" }

var allOn = Options{Summaries: true, EditorNote: true}

func TestEnrichItems(t *testing.T) {
	p := &mockProvider{response: "**Bold** take on #things"}
	e := NewEnricher(p, allOn, logging.Discard())

	items := []database.Item{
		{ID: "a", Title: "Cats", BodyExcerpt: "A story about cats", TopComments: []database.Comment{{Author: "u", Body: "Nice", Score: 3}}},
		{ID: "b", Title: "Dogs"},
	}
	out, r := e.EnrichItems(context.Background(), items)

	if out[0].Enrichment == nil || out[0].Enrichment.Summary != "Bold take on things" {
		t.Errorf("expected markdown-stripped summary, got %+v", out[0].Enrichment)
	}
	if out[0].Enrichment.CommentDigest != "**Bold** take on #things" {
		t.Errorf("unexpected comment digest %q", out[0].Enrichment.CommentDigest)
	}
	if out[1].Enrichment == nil || out[1].Enrichment.CommentDigest != NoComments {
		t.Errorf("expected placeholder digest, got %+v", out[1].Enrichment)
	}
	if items[0].Enrichment != nil {
		t.Error("expected input items untouched")
	}
	// Two summaries and one comment digest; the empty comment list makes no call.
	if len(p.prompts) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(p.prompts))
	}
	if p.tokens[0] != 80 || p.tokens[1] != 120 {
		t.Errorf("unexpected token limits %v", p.tokens)
	}
	if !strings.Contains(p.prompts[1], "u (3 points):\nNice") {
		t.Errorf("unexpected digest prompt %q", p.prompts[1])
	}
	if r.Summaries != 2 || r.CommentDigests != 2 || r.Errors != 0 {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestEnrichItemsProviderFailure(t *testing.T) {
	p := &mockProvider{err: errors.New("timeout")}
	e := NewEnricher(p, allOn, logging.Discard())

	items := []database.Item{{ID: "a", Title: "Cats", TopComments: []database.Comment{{Body: "x"}}}}
	out, r := e.EnrichItems(context.Background(), items)

	if out[0].Enrichment != nil {
		t.Errorf("expected no enrichment on failure, got %+v", out[0].Enrichment)
	}
	if r.Errors != 2 {
		t.Errorf("expected 2 errors, got %d", r.Errors)
	}
}

func TestEnrichItemsKeepsExisting(t *testing.T) {
	p := &mockProvider{response: "new"}
	e := NewEnricher(p, allOn, logging.Discard())

	items := []database.Item{{ID: "a", Title: "x", Enrichment: &database.Enrichment{Summary: "old", CommentDigest: "kept"}}}
	out, _ := e.EnrichItems(context.Background(), items)

	if out[0].Enrichment.Summary != "old" || out[0].Enrichment.CommentDigest != "kept" {
		t.Errorf("expected existing enrichment kept, got %+v", out[0].Enrichment)
	}
	if len(p.prompts) != 0 {
		t.Errorf("expected no calls, got %d", len(p.prompts))
	}
}

func TestEnrichDisabled(t *testing.T) {
	e := NewEnricher(nil, allOn, logging.Discard())
	if e.Enabled() {
		t.Error("expected disabled without provider")
	}
	out, _ := e.EnrichItems(context.Background(), []database.Item{{ID: "a"}})
	if out[0].Enrichment != nil {
		t.Error("expected no enrichment without provider")
	}
	if note := e.EditorNote(context.Background(), []database.Item{{ID: "a", Title: "x"}}); note != nil {
		t.Errorf("expected nil note, got %q", *note)
	}

	p := &mockProvider{response: "x"}
	e = NewEnricher(p, Options{}, logging.Discard())
	e.EnrichItems(context.Background(), []database.Item{{ID: "a"}})
	e.EditorNote(context.Background(), []database.Item{{ID: "a"}})
	if len(p.prompts) != 0 {
		t.Errorf("expected no calls with options off, got %d", len(p.prompts))
	}
}

func TestEditorNote(t *testing.T) {
	p := &mockProvider{response: "  \"Quite a day.\"  "}
	e := NewEnricher(p, allOn, logging.Discard())

	var items []database.Item
	for _, title := range []string{"One", "Two", "Three", "Four", "Five", "Six"} {
		items = append(items, database.Item{Title: title})
	}

	note := e.EditorNote(context.Background(), items)
	if note == nil || *note != "Quite a day." {
		t.Fatalf("unexpected note %v", note)
	}
	prompt := p.prompts[0]
	if !strings.Contains(prompt, "1. One\n2. Two") || !strings.Contains(prompt, "5. Five") || strings.Contains(prompt, "Six") {
		t.Errorf("expected top five titles in prompt, got %q", prompt)
	}
	if p.tokens[0] != 180 {
		t.Errorf("expected 180 tokens, got %d", p.tokens[0])
	}

	p.err = errors.New("down")
	if note := e.EditorNote(context.Background(), items); note != nil {
		t.Error("expected nil note on failure")
	}
}
