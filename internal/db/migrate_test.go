package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	if migrations[0].Version != 1 {
		t.Errorf("first version = %d, want 1", migrations[0].Version)
	}
	if !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS slots") {
		t.Error("expected slots table in first migration")
	}
}

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql":  {Data: []byte("SELECT 10")},
		"m/002_second.sql": {Data: []byte("SELECT 2")},
		"m/readme.sql":     {Data: []byte("not a migration")},
		"m/003_notes.txt":  {Data: []byte("ignored")},
	}

	migrations, err := loadMigrations(fsys, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 2 || migrations[1].Version != 10 {
		t.Errorf("versions = %d,%d, want 2,10", migrations[0].Version, migrations[1].Version)
	}
}
