package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Cleanup deletes items and delivery records sent before cutoff. Both tables
// are pruned in one transaction.
func (db *DB) Cleanup(ctx context.Context, cutoff time.Time) (CleanupResult, error) {
	return db.deleteWhere(ctx, sq.Lt{"sent_at": cutoff.UnixMilli()})
}

// ClearAll wipes the delivery history and the item store.
func (db *DB) ClearAll(ctx context.Context) (CleanupResult, error) {
	return db.deleteWhere(ctx, nil)
}

func (db *DB) deleteWhere(ctx context.Context, pred sq.Sqlizer) (CleanupResult, error) {
	var res CleanupResult

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("starting cleanup: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	targets := []struct {
		table string
		dest  *int64
	}{
		{"items", &res.Items},
		{"deliveries", &res.Deliveries},
	}
	for _, t := range targets {
		del := db.sb.Delete(t.table)
		if pred != nil {
			del = del.Where(pred)
		}
		query, args, err := del.ToSql()
		if err != nil {
			return res, fmt.Errorf("building delete for %s: %w", t.table, err)
		}
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return res, fmt.Errorf("deleting from %s: %w", t.table, err)
		}
		if *t.dest, err = result.RowsAffected(); err != nil {
			return res, fmt.Errorf("counting deleted %s: %w", t.table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing cleanup: %w", err)
	}
	return res, nil
}
