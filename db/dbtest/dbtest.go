// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"testing"

	"tubevault/db"
	"tubevault/logging"
)

// New returns a fresh in-memory database with every migration applied.
// It is closed when the test ends.
func New(t testing.TB) *db.CompatDB {
	t.Helper()
	d, err := db.Open("sqlite", ":memory:", 0)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.RunMigrations(context.Background(), d, logging.Discard()); err != nil {
		t.Fatalf("schema migration: %v", err)
	}
	return d
}
