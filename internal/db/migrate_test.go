package db

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n == 1
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "latest.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"anomaly_events", "sessions", "schema_migrations"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing after migration", table)
		}
	}

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("version = %d dirty = %v, want 2 false", version, dirty)
	}
}

func TestMigrateUp_Idempotency(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "idem.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer db.Close()

	if err := db.MigrateUp(MigrationsFS()); err != nil {
		t.Errorf("second MigrateUp should be a no-op, got %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "down.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer db.Close()

	if err := db.MigrateDown(MigrationsFS()); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if tableExists(t, db, "sessions") {
		t.Error("sessions table should be gone after rolling back one step")
	}
	if !tableExists(t, db, "anomaly_events") {
		t.Error("anomaly_events table should survive one rollback")
	}
	version, _, err := db.MigrateVersion(MigrationsFS())
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestMigrateVersion_Fresh(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	if err != nil || version != 0 || dirty {
		t.Errorf("MigrateVersion on fresh db = %d, %v, %v; want 0, false, nil", version, dirty, err)
	}
}

func TestMigrateUp_CustomFS(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "custom.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	migrationsFS := fstest.MapFS{
		"000001_init.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE IF NOT EXISTS t1 (id INTEGER PRIMARY KEY);")},
		"000001_init.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE IF EXISTS t1;")},
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if !tableExists(t, db, "t1") {
		t.Error("t1 missing")
	}
}

func TestMigrateUp_BrokenMigration(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "broken.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	migrationsFS := fstest.MapFS{
		"000001_bad.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE (;")},
		"000001_bad.down.sql": &fstest.MapFile{Data: []byte("")},
	}
	if err := db.MigrateUp(migrationsFS); err == nil {
		t.Fatal("expected an error from a malformed migration")
	}
	_, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if !dirty {
		t.Error("failed migration should leave the database dirty")
	}
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	if err := RunMigrateCommand(&out, path, []string{"up"}); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 2 (dirty: false)") {
		t.Errorf("unexpected output: %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, path, []string{"status"}); err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 2") {
		t.Errorf("unexpected output: %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, path, []string{"sideways"}); err == nil {
		t.Error("expected an error for an unknown action")
	}
	if !strings.Contains(out.String(), "Usage: roadpulse migrate") {
		t.Errorf("help not printed: %q", out.String())
	}

	if err := RunMigrateCommand(&out, path, nil); err == nil {
		t.Error("expected an error without an action")
	}
}
