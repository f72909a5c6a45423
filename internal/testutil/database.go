package testutil

import (
	"testing"

	"giro/internal/database"
	"giro/internal/giro"
)

// NewTestDatabase creates a new in-memory SQLite store with schema applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock giro.Clock) *database.SQLiteDatabase {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	db := database.NewSQLiteDatabaseFromDB(sqlDB, clock)
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
