package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/viewer-atlas/store"
)

// SetupTestDB opens the database named by TEST_PG_DSN, applies the schema,
// and empties the tables so each test starts clean. Skips the test when
// TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := store.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, table := range []string{"presence_snapshots", "analysis_runs", "kv"} {
		if _, err := database.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			database.Close()
			t.Fatalf("failed to clean table %s: %v", table, err)
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
