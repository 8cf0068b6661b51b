package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if dirty {
		t.Error("expected clean schema")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := db.UpsertItems(ctx, []Item{testItem("keep", 1)}, sentAt); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	db.Close()

	// Re-running migrations on an up-to-date schema is a no-op.
	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	ok, err := db.Exists(ctx, "keep")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected item to survive reopen")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "whatever", 0); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
