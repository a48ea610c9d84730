package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

// Diagnostics is the result of a connectivity check against the TPS database.
// Failures are reported in Error instead of as an HTTP error so that the
// partial picture (connected, but no tables visible) is still returned.
type Diagnostics struct {
	DatabaseConnection bool             `json:"database_connection"`
	TablesAccessible   bool             `json:"tables_accessible"`
	AvailableTables    []string         `json:"available_tables,omitempty"`
	SampleData         []map[string]any `json:"sample_data"`
	TodayRecordsCount  *int64           `json:"today_records_count,omitempty"`
	CurrentDate        string           `json:"current_date,omitempty"`
	Error              *string          `json:"error"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DiagnosticsStore is what Diagnose needs from the database.
type DiagnosticsStore interface {
	Pinger
	Querier
}

const (
	tablesQuery = `
		SELECT table_name::text
		FROM information_schema.tables
		WHERE table_schema = 'public'
		ORDER BY table_name
		LIMIT 5`

	sampleQuery = `
		SELECT
			concat_ws(', ', pat.last_name, pat.first_name) AS patient_name,
			pat.id::text AS mrn,
			exa.date AS exam_date
		FROM patients AS pat
		LEFT JOIN examinations AS exa ON pat.uid = exa.parent_uid
		LIMIT 1`

	todayCountQuery = `SELECT COUNT(*) FROM examinations WHERE date = $1`
)

// Diagnose runs the connection checks in order and stops at the first failure.
func Diagnose(ctx context.Context, store DiagnosticsStore, today time.Time) *Diagnostics {
	d := &Diagnostics{}
	fail := func(err error) *Diagnostics {
		msg := err.Error()
		d.Error = &msg
		return d
	}

	if err := store.Ping(ctx); err != nil {
		return fail(err)
	}
	d.DatabaseConnection = true

	rows, err := store.Query(ctx, tablesQuery)
	if err != nil {
		return fail(err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fail(err)
	}
	d.TablesAccessible = true
	d.AvailableTables = tables

	rows, err = store.Query(ctx, sampleQuery)
	if err != nil {
		return fail(err)
	}
	sample, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return fail(err)
	}
	if len(sample) == 0 {
		return d
	}
	d.SampleData = sample

	day := today.Format(time.DateOnly)
	var count int64
	if err := store.QueryRow(ctx, todayCountQuery, day).Scan(&count); err != nil {
		return fail(err)
	}
	d.TodayRecordsCount = &count
	d.CurrentDate = day

	return d
}

// DiagnosticsHandler serves Diagnose at GET /test-connection.
func DiagnosticsHandler(store DiagnosticsStore, now func() time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
		defer cancel()

		return c.JSON(http.StatusOK, Diagnose(ctx, store, now()))
	}
}
