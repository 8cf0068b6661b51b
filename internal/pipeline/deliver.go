package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/RedditDigest/internal/collect"
	"github.com/TobiSchelling/RedditDigest/internal/compose"
	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/digest"
	"github.com/TobiSchelling/RedditDigest/internal/enrich"
	"github.com/TobiSchelling/RedditDigest/internal/llm"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/mail"
	"github.com/TobiSchelling/RedditDigest/internal/metrics"
	"github.com/TobiSchelling/RedditDigest/internal/runlock"
)

// Sender sends one email.
type Sender interface {
	Send(ctx context.Context, msg mail.Message) error
}

// MailDeliverer renders a digest and emails it to a fixed recipient list.
type MailDeliverer struct {
	sender     Sender
	recipients []string
	editorName string
	now        func() time.Time
}

// NewMailDeliverer creates a deliverer.
func NewMailDeliverer(sender Sender, recipients []string, editorName string) *MailDeliverer {
	return &MailDeliverer{sender: sender, recipients: recipients, editorName: editorName, now: time.Now}
}

// Deliver composes the digest and sends it. The returned note is the one that
// appears in the email, which is the fallback when note is nil.
func (d *MailDeliverer) Deliver(ctx context.Context, title string, items []database.Item, note *string) (string, error) {
	issue := compose.New(title, d.editorName, d.now(), note, items)
	html, err := issue.HTML()
	if err != nil {
		return issue.EditorNote, fmt.Errorf("rendering digest: %w", err)
	}
	err = d.sender.Send(ctx, mail.Message{
		To:      d.recipients,
		Subject: issue.Subject(),
		Text:    issue.Text(),
		HTML:    html,
	})
	return issue.EditorNote, err
}

// FromConfig wires a pipeline with the production collaborators for cfg.
func FromConfig(ctx context.Context, cfg *config.Config, db *database.DB, lock runlock.Locker, m *metrics.Metrics, log logging.Logger) *Pipeline {
	provider := llm.CreateProvider(ctx, cfg.Enrichment, log)
	enricher := enrich.NewEnricher(provider, enrich.Options{
		Summaries:  cfg.Enrichment.Summaries,
		EditorNote: cfg.Enrichment.EditorNote,
	}, log)
	sender := mail.NewSMTPSender(mail.ConfigFrom(cfg))

	return New(Options{
		Title:      cfg.Digest.Title,
		Recipients: cfg.Email.Recipients,
		MaxCount:   cfg.Digest.MaxCount,
		AllowAdult: cfg.Digest.AllowAdult,
		Policy:     digest.ParsePolicy(cfg.Digest.OnStoreError),
	}, Deps{
		Store:     db,
		Fetcher:   collect.NewCollector(cfg, log),
		Enricher:  enricher,
		Deliverer: NewMailDeliverer(sender, cfg.Email.Recipients, cfg.Digest.EditorName),
		Lock:      lock,
		Metrics:   m,
		Log:       log,
	})
}
