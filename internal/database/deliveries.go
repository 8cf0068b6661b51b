package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

var deliveryColumns = []string{
	"id", "run_id", "sent_at", "item_count", "success", "error_detail",
	"recipients", "editor_note", "title", "degraded",
}

// AppendDelivery inserts a delivery record and returns its id. Existing rows
// are never touched.
func (db *DB) AppendDelivery(ctx context.Context, rec DeliveryRecord) (int64, error) {
	recipients := rec.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	encoded, err := json.Marshal(recipients)
	if err != nil {
		return 0, fmt.Errorf("encoding recipients: %w", err)
	}

	errorDetail := rec.ErrorDetail
	if rec.Success {
		errorDetail = nil
	}

	query, args, err := db.sb.Insert("deliveries").
		Columns("run_id", "sent_at", "item_count", "success", "error_detail",
			"recipients", "editor_note", "title", "degraded").
		Values(rec.RunID, rec.SentAt.UnixMilli(), rec.ItemCount, rec.Success, errorDetail,
			string(encoded), rec.EditorNote, rec.Title, rec.Degraded).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delivery insert: %w", err)
	}

	var id int64
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("appending delivery: %w", err)
	}
	return id, nil
}

// RecentHistory returns up to limit delivery records, newest first.
func (db *DB) RecentHistory(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := db.sb.Select(deliveryColumns...).From("deliveries").
		OrderBy("sent_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// LastDelivery returns the newest delivery record, or nil if none exist.
func (db *DB) LastDelivery(ctx context.Context) (*DeliveryRecord, error) {
	recs, err := db.RecentHistory(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func scanDeliveries(rows *sql.Rows) ([]DeliveryRecord, error) {
	var recs []DeliveryRecord
	for rows.Next() {
		var (
			r          DeliveryRecord
			sentAt     int64
			recipients string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &sentAt, &r.ItemCount, &r.Success, &r.ErrorDetail,
			&recipients, &r.EditorNote, &r.Title, &r.Degraded); err != nil {
			return nil, err
		}
		r.SentAt = time.UnixMilli(sentAt).UTC()
		if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
			return nil, fmt.Errorf("decoding recipients for delivery %d: %w", r.ID, err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
