package db

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migration is a single goose SQL file found in the migrations filesystem.
type Migration struct {
	Version int64
	Name    string
	SQL     string
}

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the development schema with goose. goose works on
// *sql.DB, so the pgx pool is exposed through pgx/stdlib.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
}

// NewMigrator creates a Migrator over the migrations in fsys. The pool itself
// stays owned by the caller; Close only releases the *sql.DB wrapper.
func NewMigrator(pool *pgxpool.Pool, fsys fs.FS) (*Migrator, error) {
	if _, err := LoadMigrations(fsys); err != nil {
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create goose provider: %w", err)
	}

	return &Migrator{db: db, provider: provider}, nil
}

// Up applies all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("apply migrations: %w", err)
	}
	return len(results), nil
}

// Status returns the status of all known migrations, applied and pending.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	raw, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}

	statuses := make([]MigrationStatus, 0, len(raw))
	for _, s := range raw {
		status := MigrationStatus{
			Version: s.Source.Version,
			Name:    path.Base(s.Source.Path),
		}
		if s.State == goose.StateApplied {
			status.Applied = true
			appliedAt := s.AppliedAt
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Close releases the *sql.DB wrapper around the pool.
func (m *Migrator) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// LoadMigrations reads all .sql files at the root of fsys, parses the version
// from the filename prefix (e.g. "00001_tps_core.sql" -> 1) and returns them
// sorted by version. Files without a numeric prefix are skipped. A versioned
// file without a "-- +goose Up" annotation is an error, since goose would
// refuse it later with a less obvious message.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var migrations []Migration
	seen := make(map[int64]string)
	for _, name := range names {
		version, err := goose.NumericComponent(name)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		if !hasGooseUp(content) {
			return nil, fmt.Errorf("migration %s has no -- +goose Up annotation", name)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func hasGooseUp(content []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "-- +goose Up") {
			return true
		}
	}
	return false
}
