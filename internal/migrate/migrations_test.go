package migrate

import (
	"testing"

	"casebridge/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	steps, err := loadSteps()
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count applied: %v", err)
	}
	if applied != len(steps) {
		t.Fatalf("expected %d applied migrations, got %d", len(steps), applied)
	}

	if _, err := conn.Exec(`INSERT INTO projects(name,description,start_date,end_date,status,created_by,created_at)
		VALUES ('p','','2026-01-01','2026-02-01','draft','ops','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema not usable after rerun: %v", err)
	}
}
