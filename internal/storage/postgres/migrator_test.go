package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_purchase_attempts.up.sql": {
			Data: []byte("CREATE TABLE purchase_attempts (id TEXT PRIMARY KEY);"),
		},
		"sql/migrations/0001_purchase_attempts.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS purchase_attempts;"),
		},
		"sql/migrations/0002_charge_tasks.up.sql": {
			Data: []byte("CREATE TABLE charge_tasks (id TEXT PRIMARY KEY);"),
		},
		"sql/migrations/0002_charge_tasks.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS charge_tasks;"),
		},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "purchase_attempts" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "charge_tasks" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_MissingDown(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_purchase_attempts.up.sql": {
			Data: []byte("CREATE TABLE purchase_attempts (id TEXT PRIMARY KEY);"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrationsFromFS_InvalidFilename(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/not_a_migration.sql": {
			Data: []byte("SELECT 1;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for invalid migration file name")
	}
}

func TestLoadMigrationsFromFS_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_purchase_attempts.up.sql": {
			Data: []byte("   \n"),
		},
		"sql/migrations/0001_purchase_attempts.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS purchase_attempts;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for empty migration file body")
	}
}

func TestLoadMigrationsFromFS_NameMismatch(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_purchase_attempts.up.sql": {
			Data: []byte("CREATE TABLE purchase_attempts (id TEXT PRIMARY KEY);"),
		},
		"sql/migrations/0001_attempts.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS purchase_attempts;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for name mismatch within one version")
	}
	if !strings.Contains(err.Error(), "name mismatch") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbeddedMigrationsAreComplete(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("embedded migrations failed to load: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}

	for i, m := range migrations {
		if m.UpSQL == "" || m.DownSQL == "" {
			t.Errorf("migration %d_%s missing up or down body", m.Version, m.Name)
		}
		if i > 0 && migrations[i-1].Version >= m.Version {
			t.Errorf("migrations out of order: %d before %d", migrations[i-1].Version, m.Version)
		}
	}
}
