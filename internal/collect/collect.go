// Package collect fetches candidate items from Reddit and RSS/Atom feeds.
package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/fetch"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
)

// ErrNoSources is returned when nothing is configured to fetch from.
var ErrNoSources = errors.New("no subreddits or feeds configured")

// Result holds the counters of the last Fetch.
type Result struct {
	TotalFound int
	Duplicates int
	Failed     int
	Sources    map[string]int
}

// Collector gathers candidates from every configured source.
type Collector struct {
	reddit      *RedditClient
	feeds       *FeedSource
	excerpts    *fetch.ExcerptFetcher
	subreddits  []string
	limit       int
	topComments int
	log         logging.Logger

	last Result
}

// NewCollector creates a collector for the given config.
func NewCollector(cfg *config.Config, log logging.Logger) *Collector {
	c := &Collector{
		reddit:      NewRedditClient(cfg.Reddit, cfg.Digest.ExcerptChars, log),
		subreddits:  cfg.Reddit.Subreddits,
		limit:       cfg.Reddit.FetchLimit,
		topComments: cfg.Reddit.TopComments,
		log:         log,
	}
	if len(cfg.Feeds) > 0 {
		c.feeds = NewFeedSource(cfg.Feeds, cfg.Reddit.Window(), cfg.Digest.ExcerptChars, log)
	}
	if cfg.Reddit.FetchLinkText {
		c.excerpts = fetch.NewExcerptFetcher(cfg.Reddit.UserAgent, 15*time.Second, log)
	}
	return c
}

// LastResult returns the counters of the most recent Fetch.
func (c *Collector) LastResult() Result {
	return c.last
}

// Fetch returns the candidates of every source in source order, with ids
// repeated across sources dropped. A failing source is logged and skipped;
// an error is returned only when every source failed.
func (c *Collector) Fetch(ctx context.Context) ([]database.Item, error) {
	r := Result{Sources: make(map[string]int)}
	attempted := len(c.subreddits)
	var errs []error

	seen := make(map[string]struct{})
	var out []database.Item
	add := func(items []database.Item) {
		for _, it := range items {
			r.TotalFound++
			if _, dup := seen[it.ID]; dup {
				r.Duplicates++
				continue
			}
			seen[it.ID] = struct{}{}
			r.Sources[it.Community]++
			out = append(out, it)
		}
	}

	for _, sub := range c.subreddits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := c.reddit.Hot(ctx, sub, c.limit)
		if err != nil {
			c.log.WithError(err).WithField("subreddit", sub).Warn("Failed to fetch subreddit")
			r.Failed++
			errs = append(errs, fmt.Errorf("r/%s: %w", sub, err))
			continue
		}
		add(items)
	}

	if c.feeds != nil {
		attempted += len(c.feeds.feeds)
		items, failed := c.feeds.Fetch(ctx)
		r.Failed += failed
		if failed > 0 {
			errs = append(errs, fmt.Errorf("%d feeds failed", failed))
		}
		add(items)
	}

	c.last = r
	if attempted == 0 {
		return nil, ErrNoSources
	}
	if r.Failed == attempted {
		return nil, fmt.Errorf("all sources failed: %w", errors.Join(errs...))
	}

	c.log.WithFields(logging.Fields{
		"found":      r.TotalFound,
		"candidates": len(out),
		"duplicates": r.Duplicates,
		"failed":     r.Failed,
	}).Info("Collection complete")
	return out, nil
}

// Hydrate fills the detail that is only worth fetching for selected items:
// top comments for Reddit posts and readable link text for link posts with no
// body. Failures leave the item as it was.
func (c *Collector) Hydrate(ctx context.Context, items []database.Item) []database.Item {
	out := make([]database.Item, len(items))
	copy(out, items)

	for i := range out {
		it := &out[i]
		if c.topComments > 0 && !it.IsFeed() {
			comments, err := c.reddit.TopComments(ctx, it.Community, it.ID, c.topComments)
			if err != nil {
				c.log.WithError(err).WithField("item_id", it.ID).Warn("Failed to fetch top comments")
			} else {
				it.TopComments = comments
			}
		}
	}

	if c.excerpts != nil {
		c.excerpts.FillExcerpts(ctx, out, c.reddit.excerptChars)
	}
	return out
}
