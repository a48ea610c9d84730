package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// Capabilities records which enrichment columns and sub-entity tables exist
// in the connected TPS schema. Different TPS releases add or drop columns such
// as age, dose and gamma index; the schedule query consults these flags
// instead of keeping one query string per release.
type Capabilities struct {
	PatientAge         bool `json:"patient_age"`
	PatientDateOfBirth bool `json:"patient_date_of_birth"`
	PatientSex         bool `json:"patient_sex"`
	ExamDiagnosis      bool `json:"exam_diagnosis"`
	PlanName           bool `json:"plan_name"`
	PlanFixation       bool `json:"plan_fixation"`
	PlanDose           bool `json:"plan_dose"`
	PlanStartTime      bool `json:"plan_start_time"`
	PlanEndTime        bool `json:"plan_end_time"`
	PlanGamma          bool `json:"plan_gamma"`
	Targets            bool `json:"targets"`
	TargetGamma        bool `json:"target_gamma"`
	Shots              bool `json:"shots"`
	Frames             bool `json:"frames"`
}

type capabilityColumn struct {
	table  string
	column string // empty: only the table has to exist
	name   string
	flag   func(c *Capabilities) *bool
}

var capabilityColumns = []capabilityColumn{
	{"patients", "age", "patients.age", func(c *Capabilities) *bool { return &c.PatientAge }},
	{"patients", "date_of_birth", "patients.date_of_birth", func(c *Capabilities) *bool { return &c.PatientDateOfBirth }},
	{"patients", "sex", "patients.sex", func(c *Capabilities) *bool { return &c.PatientSex }},
	{"examinations", "diagnosis_name", "examinations.diagnosis_name", func(c *Capabilities) *bool { return &c.ExamDiagnosis }},
	{"treatment_plans", "plan_name", "treatment_plans.plan_name", func(c *Capabilities) *bool { return &c.PlanName }},
	{"treatment_plans", "fixation_type", "treatment_plans.fixation_type", func(c *Capabilities) *bool { return &c.PlanFixation }},
	{"treatment_plans", "prescribed_dose", "treatment_plans.prescribed_dose", func(c *Capabilities) *bool { return &c.PlanDose }},
	{"treatment_plans", "start_time", "treatment_plans.start_time", func(c *Capabilities) *bool { return &c.PlanStartTime }},
	{"treatment_plans", "end_time", "treatment_plans.end_time", func(c *Capabilities) *bool { return &c.PlanEndTime }},
	{"treatment_plans", "gamma_index", "treatment_plans.gamma_index", func(c *Capabilities) *bool { return &c.PlanGamma }},
	{"targets", "", "targets", func(c *Capabilities) *bool { return &c.Targets }},
	{"targets", "gamma_index", "targets.gamma_index", func(c *Capabilities) *bool { return &c.TargetGamma }},
	{"shots", "", "shots", func(c *Capabilities) *bool { return &c.Shots }},
	{"frames", "", "frames", func(c *Capabilities) *bool { return &c.Frames }},
}

// AllCapabilities assumes the newest schema. Used when the probe itself fails,
// so that a transient error at startup does not hide every enrichment field.
func AllCapabilities() Capabilities {
	var c Capabilities
	for _, col := range capabilityColumns {
		*col.flag(&c) = true
	}
	return c
}

// CapabilitiesFromColumns builds Capabilities from a table -> column set map,
// as read from information_schema.columns.
func CapabilitiesFromColumns(columns map[string]map[string]bool) Capabilities {
	var c Capabilities
	for _, col := range capabilityColumns {
		cols, ok := columns[col.table]
		if !ok {
			continue
		}
		if col.column == "" || cols[col.column] {
			*col.flag(&c) = true
		}
	}
	return c
}

// Missing lists the enrichment columns and tables that are not available.
func (c Capabilities) Missing() []string {
	var missing []string
	for _, col := range capabilityColumns {
		if !*col.flag(&c) {
			missing = append(missing, col.name)
		}
	}
	sort.Strings(missing)
	return missing
}

// HasGamma reports whether any gamma index source exists.
func (c Capabilities) HasGamma() bool {
	return c.TargetGamma || c.PlanGamma
}

// HasFixation reports whether fixation can be derived at all.
func (c Capabilities) HasFixation() bool {
	return c.PlanFixation || c.Frames
}

const capabilityQuery = `
	SELECT table_name::text, column_name::text
	FROM information_schema.columns
	WHERE table_schema::text = ANY(current_schemas(false)::text[])
	  AND table_name::text = ANY($1::text[])`

// ProbeCapabilities reads the visible schemas once and reports which
// enrichment columns exist.
func ProbeCapabilities(ctx context.Context, q Querier) (Capabilities, error) {
	tables := []string{"patients", "examinations", "treatment_plans", "targets", "shots", "frames"}

	rows, err := q.Query(ctx, capabilityQuery, tables)
	if err != nil {
		return Capabilities{}, fmt.Errorf("query information_schema: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return Capabilities{}, fmt.Errorf("scan column: %w", err)
		}
		if columns[table] == nil {
			columns[table] = make(map[string]bool)
		}
		columns[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return Capabilities{}, fmt.Errorf("iterate columns: %w", err)
	}

	for _, required := range []string{"patients", "examinations", "treatment_plans"} {
		if _, ok := columns[required]; !ok {
			return CapabilitiesFromColumns(columns), fmt.Errorf("required table %s not found", required)
		}
	}

	return CapabilitiesFromColumns(columns), nil
}

// Querier is the read surface shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
