package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// GetStats returns aggregate delivery and item statistics as of now.
func (db *DB) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	s := &Stats{}
	weekAgo := now.AddDate(0, 0, -7).UnixMilli()

	queries := []struct {
		q    sq.SelectBuilder
		dest *int
	}{
		{db.sb.Select("COUNT(*)").From("deliveries"), &s.TotalDeliveries},
		{db.sb.Select("COUNT(*)").From("deliveries").Where(sq.Eq{"success": true}), &s.SuccessfulDeliveries},
		{db.sb.Select(fmt.Sprintf("COUNT(DISTINCT sent_at / %d)", dayMillis)).From("deliveries"), &s.DaysWithDeliveries},
		{db.sb.Select("COUNT(*)").From("items"), &s.TotalItems},
		{db.sb.Select("COUNT(*)").From("items").Where(sq.GtOrEq{"sent_at": weekAgo}), &s.ItemsLastWeek},
	}

	for _, q := range queries {
		n, err := db.count(ctx, q.q)
		if err != nil {
			return nil, fmt.Errorf("computing stats: %w", err)
		}
		*q.dest = n
	}

	s.FailedDeliveries = s.TotalDeliveries - s.SuccessfulDeliveries
	if s.TotalDeliveries > 0 {
		s.SuccessRate = float64(s.SuccessfulDeliveries) / float64(s.TotalDeliveries) * 100
	}

	last, err := db.LastDelivery(ctx)
	if err != nil {
		return nil, err
	}
	s.LastDelivery = last
	return s, nil
}
