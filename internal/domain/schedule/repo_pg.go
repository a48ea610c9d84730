package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tpsview/tpsview/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func pick(ok bool, expr, placeholder string) string {
	if ok {
		return expr
	}
	return placeholder
}

// scheduleColumns returns the select list in Row scan order. Columns the
// schema lacks are replaced by typed NULLs so the row shape never changes.
func scheduleColumns(c db.Capabilities) []string {
	gamma := "NULL::float8"
	switch {
	case c.TargetGamma:
		gamma = "(SELECT AVG(t.gamma_index)::float8 FROM targets AS t WHERE t.root_uid = exa.uid)"
	case c.PlanGamma:
		gamma = "tre.gamma_index::float8"
	}

	return []string{
		"COALESCE(pat.id::text, '')",
		"pat.first_name::text",
		"pat.last_name::text",
		pick(c.PatientDateOfBirth, "pat.date_of_birth::date", "NULL::date"),
		pick(c.PatientAge, "pat.age::text", "NULL::text"),
		pick(c.PatientSex, "pat.sex::text", "NULL::text"),
		pick(c.ExamDiagnosis, "exa.diagnosis_name::text", "NULL::text"),
		"exa.date::date",
		"tre.state::int4",
		pick(c.PlanName, "tre.plan_name::text", "NULL::text"),
		pick(c.PlanFixation, "tre.fixation_type::text", "NULL::text"),
		pick(c.PlanDose, "tre.prescribed_dose::float8", "NULL::float8"),
		pick(c.PlanStartTime, "tre.start_time::timestamptz", "NULL::timestamptz"),
		pick(c.PlanEndTime, "tre.end_time::timestamptz", "NULL::timestamptz"),
		pick(c.Frames, "(SELECT COUNT(*) FROM frames AS f WHERE f.root_uid = exa.uid)", "NULL::int8"),
		pick(c.Targets, "(SELECT COUNT(*) FROM targets AS t WHERE t.root_uid = exa.uid)", "NULL::int8"),
		pick(c.Shots, "(SELECT COUNT(*) FROM shots AS s WHERE s.root_uid = exa.uid)", "NULL::int8"),
		gamma,
	}
}

// buildScheduleQuery returns the aggregation SQL and its arguments. Each
// examination yields one row: sub-entity counts are per-examination
// subqueries and the plan is the examination's first plan by uid, so no
// join can multiply rows.
func buildScheduleQuery(q ScheduleQuery) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT\n\t")
	b.WriteString(strings.Join(scheduleColumns(q.Caps), ",\n\t"))
	b.WriteString(`
FROM patients AS pat
JOIN examinations AS exa ON exa.parent_uid = pat.uid
LEFT JOIN LATERAL (
	SELECT tp.* FROM treatment_plans AS tp
	WHERE tp.root_uid = exa.uid
	ORDER BY tp.uid
	LIMIT 1
) AS tre ON true
`)

	var order []string
	var args []any
	if q.Date != nil {
		b.WriteString("WHERE exa.date = $1::date\n")
		args = append(args, q.Date.Format(time.DateOnly))
	} else {
		b.WriteString("WHERE exa.date IS NOT NULL\n")
		order = append(order, "exa.date DESC")
	}
	if q.Caps.PlanStartTime {
		order = append(order, "tre.start_time ASC NULLS LAST")
	}
	order = append(order, "pat.last_name", "pat.first_name", "pat.id")
	b.WriteString("ORDER BY " + strings.Join(order, ", "))

	if q.Date == nil && q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, "\nLIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanRow(row pgx.Row) (*Row, error) {
	var r Row
	err := row.Scan(&r.MRN, &r.FirstName, &r.LastName, &r.DateOfBirth, &r.Age, &r.Sex,
		&r.Diagnosis, &r.ExamDate, &r.State, &r.PlanName, &r.FixationCode, &r.PrescribedDose,
		&r.StartTime, &r.EndTime, &r.FrameCount, &r.TargetCount, &r.ShotCount, &r.GammaIndex)
	return &r, err
}

func (s *storePG) ListRows(ctx context.Context, q ScheduleQuery) ([]*Row, error) {
	sql, args := buildScheduleQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	defer rows.Close()

	var items []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// setPlanStateQuery locks and updates the plan the dashboard shows for one
// of the patient's examinations, in this order of preference: the exam on the
// clinic's current date ($3), the latest earlier exam, the earliest later one.
// Within an exam the lowest plan uid wins, matching the schedule query. The
// MRN is compared as text so the column type does not matter; the plan uid
// keeps its native type so the primary key is used. RETURNING reads the state
// from the locked snapshot, i.e. the value before the update.
const setPlanStateQuery = `
	WITH target AS (
		SELECT tre.uid, exa.date, tre.state
		FROM patients AS pat
		JOIN examinations AS exa ON exa.parent_uid = pat.uid
		JOIN treatment_plans AS tre ON tre.root_uid = exa.uid
		WHERE pat.id::text = $2
		ORDER BY
			exa.date > $3::date,
			CASE WHEN exa.date <= $3::date THEN exa.date END DESC,
			exa.date,
			exa.uid,
			tre.uid
		LIMIT 1
		FOR UPDATE OF tre
	)
	UPDATE treatment_plans AS tp
	SET state = $1
	FROM target
	WHERE tp.uid = target.uid
	RETURNING tp.uid::text, target.date::date, target.state::int4`

func (s *storePG) SetPlanState(ctx context.Context, mrn string, code *int32, today time.Time) (*PlanStateChange, error) {
	var change PlanStateChange
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, setPlanStateQuery, code, mrn, today.Format(time.DateOnly)).
			Scan(&change.PlanUID, &change.ExamDate, &change.PreviousState)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPlanNotFound
		}
		if err != nil {
			return fmt.Errorf("update plan state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &change, nil
}
