package dbtest

import (
	"context"
	"testing"

	"github.com/agentworkforce/crmsync/internal/database"
)

// NewDB returns a migrated in-memory SQLite database that is closed when the
// test completes.
func NewDB(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.OpenMigrated(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
