package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var itemColumns = []string{
	"id", "title", "author", "url", "permalink", "community", "score", "comment_count",
	"created_at", "body_excerpt", "is_adult", "is_video", "top_comments",
	"summary", "comment_digest", "sent_at",
}

var upsertColumns = append(append([]string{}, itemColumns...), "first_sent_at")

// Both SQLite and Postgres accept this form. first_sent_at is insert-only and a
// missing summary never erases an earlier one.
const upsertItemSuffix = `ON CONFLICT (id) DO UPDATE SET
	title = excluded.title,
	score = excluded.score,
	comment_count = excluded.comment_count,
	top_comments = excluded.top_comments,
	summary = COALESCE(excluded.summary, items.summary),
	comment_digest = COALESCE(excluded.comment_digest, items.comment_digest),
	sent_at = excluded.sent_at`

// Exists reports whether an item with this id has been delivered before.
func (db *DB) Exists(ctx context.Context, id string) (bool, error) {
	query, args, err := db.sb.Select("1").From("items").Where(sq.Eq{"id": id}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("building exists query: %w", err)
	}

	var one int
	err = db.conn.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking item %s: %w", id, err)
	}
	return true, nil
}

// UpsertItems records a delivered batch in one transaction. Re-upserting an
// existing id updates its mutable fields and never duplicates the row.
func (db *DB) UpsertItems(ctx context.Context, items []Item, sentAt time.Time) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting upsert: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	sent := sentAt.UnixMilli()
	for _, it := range items {
		comments, err := json.Marshal(nonNilComments(it.TopComments))
		if err != nil {
			return fmt.Errorf("encoding comments for %s: %w", it.ID, err)
		}
		var summary, digest *string
		if it.Enrichment != nil {
			summary = nullIfEmpty(it.Enrichment.Summary)
			digest = nullIfEmpty(it.Enrichment.CommentDigest)
		}

		query, args, err := db.sb.Insert("items").
			Columns(upsertColumns...).
			Values(it.ID, it.Title, it.Author, it.URL, it.Permalink, it.Community, it.Score,
				it.CommentCount, it.CreatedAt.UnixMilli(), it.BodyExcerpt, it.IsAdult, it.IsVideo,
				string(comments), summary, digest, sent, sent).
			Suffix(upsertItemSuffix).
			ToSql()
		if err != nil {
			return fmt.Errorf("building upsert for %s: %w", it.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upserting item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

// GetItem returns a stored item, or nil if it was never delivered.
func (db *DB) GetItem(ctx context.Context, id string) (*Item, error) {
	items, err := db.queryItems(ctx, db.sb.Select(itemColumns...).From("items").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// RecentItems returns items delivered at or after since, newest first.
func (db *DB) RecentItems(ctx context.Context, since time.Time, limit int) ([]Item, error) {
	q := db.sb.Select(itemColumns...).From("items").
		Where(sq.GtOrEq{"sent_at": since.UnixMilli()}).
		OrderBy("sent_at DESC", "score DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryItems(ctx, q)
}

// ItemsWithSummaries returns the most recently delivered items that carry an LLM summary.
func (db *DB) ItemsWithSummaries(ctx context.Context, limit int) ([]Item, error) {
	q := db.sb.Select(itemColumns...).From("items").
		Where(sq.And{sq.NotEq{"summary": nil}, sq.NotEq{"summary": ""}}).
		OrderBy("sent_at DESC", "score DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryItems(ctx, q)
}

// CountItems returns the number of stored items.
func (db *DB) CountItems(ctx context.Context) (int, error) {
	return db.count(ctx, db.sb.Select("COUNT(*)").From("items"))
}

func (db *DB) queryItems(ctx context.Context, q sq.SelectBuilder) ([]Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building item query: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (db *DB) count(ctx context.Context, q sq.SelectBuilder) (int, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var (
			it                 Item
			createdAt, sentAt  int64
			comments           string
			summary, cmtDigest sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Author, &it.URL, &it.Permalink, &it.Community,
			&it.Score, &it.CommentCount, &createdAt, &it.BodyExcerpt, &it.IsAdult, &it.IsVideo,
			&comments, &summary, &cmtDigest, &sentAt); err != nil {
			return nil, err
		}
		it.CreatedAt = time.UnixMilli(createdAt).UTC()
		sent := time.UnixMilli(sentAt).UTC()
		it.SentAt = &sent
		if comments != "" {
			if err := json.Unmarshal([]byte(comments), &it.TopComments); err != nil {
				return nil, fmt.Errorf("decoding comments for %s: %w", it.ID, err)
			}
		}
		if summary.String != "" || cmtDigest.String != "" {
			it.Enrichment = &Enrichment{Summary: summary.String, CommentDigest: cmtDigest.String}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func nonNilComments(c []Comment) []Comment {
	if c == nil {
		return []Comment{}
	}
	return c
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
