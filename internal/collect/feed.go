package collect

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/textutil"
)

const maxPerFeed = 20

// FeedSource turns RSS/Atom entries into digest items. Feeds have no vote
// counts, so every entry scores zero and keeps its feed order after the
// stable sort.
type FeedSource struct {
	feeds        []config.Feed
	window       time.Duration
	excerptChars int
	parser       *gofeed.Parser
	log          logging.Logger
	now          func() time.Time
}

// NewFeedSource creates a source over the configured feeds.
func NewFeedSource(feeds []config.Feed, window time.Duration, excerptChars int, log logging.Logger) *FeedSource {
	return &FeedSource{
		feeds:        feeds,
		window:       window,
		excerptChars: excerptChars,
		parser:       gofeed.NewParser(),
		log:          log,
		now:          time.Now,
	}
}

// Fetch parses every feed. Failing feeds are logged and skipped; the error
// count is returned alongside the items.
func (fs *FeedSource) Fetch(ctx context.Context) ([]database.Item, int) {
	cutoff := fs.now().Add(-fs.window)
	var all []database.Item
	failed := 0

	for _, fc := range fs.feeds {
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		feed, err := fs.parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			fs.log.WithError(err).WithField("feed", fc.URL).Warn("Failed to parse feed")
			failed++
			continue
		}

		items := fs.parseItems(feed, name, cutoff)
		all = append(all, items...)
		fs.log.WithFields(logging.Fields{"source": name, "entries": len(items)}).Info("Parsed feed")
	}
	return all, failed
}

func (fs *FeedSource) parseItems(feed *gofeed.Feed, source string, cutoff time.Time) []database.Item {
	var items []database.Item
	for _, entry := range feed.Items {
		if len(items) >= maxPerFeed {
			break
		}
		it, ok := fs.parseItem(entry, source)
		if !ok {
			continue
		}
		// Entries without a date get the benefit of the doubt.
		if !it.CreatedAt.IsZero() && it.CreatedAt.Before(cutoff) {
			continue
		}
		items = append(items, it)
	}
	return items
}

func (fs *FeedSource) parseItem(entry *gofeed.Item, source string) (database.Item, bool) {
	link := entry.Link
	if link == "" {
		link = entry.GUID
	}
	title := strings.TrimSpace(textutil.HTMLToText(entry.Title))
	if link == "" || title == "" {
		return database.Item{}, false
	}

	var created time.Time
	if entry.PublishedParsed != nil {
		created = entry.PublishedParsed.UTC()
	} else if entry.UpdatedParsed != nil {
		created = entry.UpdatedParsed.UTC()
	}

	body := entry.Content
	if body == "" {
		body = entry.Description
	}

	var author string
	if entry.Author != nil {
		author = entry.Author.Name
	}

	return database.Item{
		ID:          feedItemID(entry.GUID, link),
		Title:       title,
		Author:      author,
		URL:         link,
		Permalink:   link,
		Community:   source,
		CreatedAt:   created,
		BodyExcerpt: textutil.Excerpt(textutil.HTMLToText(body), fs.excerptChars),
	}, true
}

// feedItemID derives a stable id that cannot collide with Reddit base36 ids.
func feedItemID(guid, link string) string {
	key := guid
	if key == "" {
		key = link
	}
	sum := sha1.Sum([]byte(key))
	return database.FeedIDPrefix + hex.EncodeToString(sum[:])[:16]
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
