package database

import (
	"strings"
	"time"
)

// Item is a forum post observed during a fetch. It becomes a stored row only
// after a digest containing it was sent.
type Item struct {
	ID           string
	Title        string
	Author       string
	URL          string
	Permalink    string
	Community    string
	Score        int
	CommentCount int
	CreatedAt    time.Time
	BodyExcerpt  string
	IsAdult      bool
	IsVideo      bool
	TopComments  []Comment
	Enrichment   *Enrichment
	SentAt       *time.Time
}

// FeedIDPrefix marks items that came from an RSS/Atom feed.
const FeedIDPrefix = "feed:"

// IsFeed reports whether the item came from a feed rather than Reddit.
func (it Item) IsFeed() bool {
	return strings.HasPrefix(it.ID, FeedIDPrefix)
}

// Source is the display label of the item's community.
func (it Item) Source() string {
	if it.IsFeed() {
		return it.Community
	}
	return "r/" + it.Community
}

// Comment is one of an item's top comments.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Score  int    `json:"score"`
}

// Enrichment holds best-effort LLM output for an item.
type Enrichment struct {
	Summary       string
	CommentDigest string
}

// IsEmpty reports whether nothing useful was produced.
func (e *Enrichment) IsEmpty() bool {
	return e == nil || (e.Summary == "" && e.CommentDigest == "")
}

// DeliveryRecord is one logged digest-send attempt.
type DeliveryRecord struct {
	ID          int64
	RunID       string
	SentAt      time.Time
	ItemCount   int
	Success     bool
	ErrorDetail *string
	Recipients  []string
	EditorNote  *string
	Title       string
	Degraded    bool
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalDeliveries      int
	SuccessfulDeliveries int
	FailedDeliveries     int
	SuccessRate          float64
	TotalItems           int
	ItemsLastWeek        int
	DaysWithDeliveries   int
	LastDelivery         *DeliveryRecord
}

// CleanupResult reports how many rows a retention pass removed.
type CleanupResult struct {
	Items      int64
	Deliveries int64
}
