package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/textutil"
)

const maxCommentChars = 300

// RedditClient reads subreddit listings. With client credentials it uses the
// OAuth API, otherwise the public .json endpoints.
type RedditClient struct {
	baseURL      string
	oauthURL     string
	userAgent    string
	clientID     string
	clientSecret string
	window       time.Duration
	excerptChars int
	client       *http.Client
	log          logging.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewRedditClient creates a client from the reddit config section.
func NewRedditClient(cfg config.Reddit, excerptChars int, log logging.Logger) *RedditClient {
	window := cfg.Window()
	return &RedditClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		oauthURL:     strings.TrimRight(cfg.OAuthURL, "/"),
		userAgent:    cfg.UserAgent,
		clientID:     os.Getenv(cfg.ClientIDEnv),
		clientSecret: os.Getenv(cfg.ClientSecretEnv),
		window:       window,
		excerptChars: excerptChars,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log,
		now:          time.Now,
	}
}

// IsAuthenticated reports whether OAuth credentials are configured.
func (c *RedditClient) IsAuthenticated() bool {
	return c.clientID != "" && c.clientSecret != ""
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Subreddit   string  `json:"subreddit"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Selftext    string  `json:"selftext"`
	Over18      bool    `json:"over_18"`
	IsVideo     bool    `json:"is_video"`
	IsSelf      bool    `json:"is_self"`
	Stickied    bool    `json:"stickied"`
}

type redditComment struct {
	Author   string `json:"author"`
	Body     string `json:"body"`
	Score    int    `json:"score"`
	Stickied bool   `json:"stickied"`
}

// Hot returns up to limit hot posts from a subreddit that were created inside
// the fetch window, in the order Reddit ranked them.
func (c *RedditClient) Hot(ctx context.Context, subreddit string, limit int) ([]database.Item, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	var l listing
	if err := c.get(ctx, "/r/"+url.PathEscape(subreddit)+"/hot", params, &l); err != nil {
		return nil, err
	}

	cutoff := c.now().Add(-c.window)
	var items []database.Item
	for _, child := range l.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		var p redditPost
		if err := json.Unmarshal(child.Data, &p); err != nil {
			c.log.WithError(err).WithField("subreddit", subreddit).Debug("Skipping undecodable post")
			continue
		}
		it, ok := c.toItem(p, subreddit)
		if !ok || it.CreatedAt.Before(cutoff) {
			continue
		}
		items = append(items, it)
	}

	c.log.WithFields(logging.Fields{
		"subreddit": subreddit,
		"posts":     len(items),
		"window":    c.window.String(),
	}).Info("Fetched hot posts")
	return items, nil
}

// toItem validates a decoded post at the boundary.
func (c *RedditClient) toItem(p redditPost, fallbackSub string) (database.Item, bool) {
	title := strings.TrimSpace(p.Title)
	if p.ID == "" || title == "" || p.Stickied {
		return database.Item{}, false
	}
	community := p.Subreddit
	if community == "" {
		community = fallbackSub
	}
	comments := p.NumComments
	if comments < 0 {
		comments = 0
	}
	permalink := p.Permalink
	if strings.HasPrefix(permalink, "/") {
		permalink = "https://www.reddit.com" + permalink
	}
	sec := int64(p.CreatedUTC)
	return database.Item{
		ID:           p.ID,
		Title:        title,
		Author:       p.Author,
		URL:          p.URL,
		Permalink:    permalink,
		Community:    community,
		Score:        p.Score,
		CommentCount: comments,
		CreatedAt:    time.Unix(sec, 0).UTC(),
		BodyExcerpt:  textutil.Excerpt(p.Selftext, c.excerptChars),
		IsAdult:      p.Over18,
		IsVideo:      p.IsVideo,
	}, true
}

// TopComments returns up to limit of the best-sorted top-level comments,
// skipping deleted, removed and stickied ones.
func (c *RedditClient) TopComments(ctx context.Context, subreddit, postID string, limit int) ([]database.Comment, error) {
	params := url.Values{"sort": {"best"}, "limit": {strconv.Itoa(limit * 2)}, "depth": {"1"}}
	var listings []listing
	path := "/r/" + url.PathEscape(subreddit) + "/comments/" + url.PathEscape(postID)
	if err := c.get(ctx, path, params, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}

	var out []database.Comment
	for _, child := range listings[1].Data.Children {
		if len(out) >= limit {
			break
		}
		if child.Kind != "t1" {
			continue
		}
		var rc redditComment
		if err := json.Unmarshal(child.Data, &rc); err != nil {
			continue
		}
		body := strings.TrimSpace(rc.Body)
		if rc.Stickied || body == "" || body == "[deleted]" || body == "[removed]" {
			continue
		}
		out = append(out, database.Comment{
			Author: rc.Author,
			Body:   textutil.Excerpt(body, maxCommentChars),
			Score:  rc.Score,
		})
	}
	return out, nil
}

func (c *RedditClient) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("raw_json", "1")

	var endpoint string
	var token string
	if c.IsAuthenticated() {
		t, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		token = t
		endpoint = c.oauthURL + path + "?" + params.Encode()
	} else {
		endpoint = c.baseURL + path + ".json?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reddit API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reddit API returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// accessToken returns a cached application-only OAuth token, refreshing it a
// minute before it expires.
func (c *RedditClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reddit token error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reddit token endpoint returned %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("reddit token response had no access_token")
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}
