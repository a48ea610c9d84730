package db

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/tpsview/tpsview/migrations"
)

const upHeader = "-- +goose Up\n"

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"00001_core.sql":     {Data: []byte(upHeader + "CREATE TABLE patients (uid UUID PRIMARY KEY);")},
		"00002_plans.sql":    {Data: []byte(upHeader + "CREATE TABLE treatment_plans (uid UUID PRIMARY KEY);")},
		"00003_delivery.sql": {Data: []byte(upHeader + "CREATE TABLE shots (uid UUID PRIMARY KEY);")},
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "00001_core.sql" {
		t.Errorf("expected name 00001_core.sql, got %s", migrations[0].Name)
	}
	if !strings.Contains(migrations[0].SQL, "CREATE TABLE patients") {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte(upHeader + "SELECT 10;")},
		"002_second.sql": {Data: []byte(upHeader + "SELECT 2;")},
		"001_first.sql":  {Data: []byte(upHeader + "SELECT 1;")},
		"005_middle.sql": {Data: []byte(upHeader + "SELECT 5;")},
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expectedVersions := []int64{1, 2, 5, 10}
	if len(migrations) != len(expectedVersions) {
		t.Fatalf("expected %d migrations, got %d", len(expectedVersions), len(migrations))
	}
	for i, expected := range expectedVersions {
		if migrations[i].Version != expected {
			t.Errorf("migration[%d]: expected version %d, got %d", i, expected, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte(upHeader + "SELECT 1;")},
		"readme.sql":         {Data: []byte("-- this has no version prefix")},
		"notes.txt":          {Data: []byte("not a sql file")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte(upHeader + "SELECT 2;")},
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("unexpected versions: %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_MissingAnnotation(t *testing.T) {
	fsys := fstest.MapFS{
		"001_plain.sql": {Data: []byte("CREATE TABLE frames (uid UUID);")},
	}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Fatal("expected error for migration without goose annotation")
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte(upHeader + "SELECT 1;")},
		"0001_b.sql": {Data: []byte(upHeader + "SELECT 1;")},
	}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := LoadMigrations(fstest.MapFS{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	loaded, err := LoadMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("LoadMigrations(embedded) error: %v", err)
	}
	if len(loaded) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(loaded))
	}

	var all strings.Builder
	for _, m := range loaded {
		all.WriteString(m.SQL)
	}
	for _, table := range []string{"patients", "examinations", "treatment_plans", "targets", "shots", "frames"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("embedded migrations do not create %s", table)
		}
	}
}
