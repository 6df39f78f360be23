package migrate_test

import (
	"testing"

	"drawline/internal/db"
	"drawline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	want, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if want < 1 || version != want {
		t.Fatalf("expected schema version %d, got %d", want, version)
	}
	for _, table := range []string{"participants", "events", "pool_members", "notifications", "activity", "api_keys"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
