package schedule

import (
	"context"
	"time"

	"github.com/tpsview/tpsview/internal/platform/db"
)

// ScheduleQuery selects the examinations to aggregate. When Date is nil the
// date filter is dropped and the most recent Limit examinations are read.
type ScheduleQuery struct {
	Date  *time.Time
	Limit int
	Caps  db.Capabilities
}

type Store interface {
	ListRows(ctx context.Context, q ScheduleQuery) ([]*Row, error)
	// SetPlanState writes code to the patient's current plan in a single
	// transaction. The current plan belongs to the exam on today, else the
	// latest earlier exam, else the earliest later one. It returns
	// ErrPlanNotFound when the patient has no plan.
	SetPlanState(ctx context.Context, mrn string, code *int32, today time.Time) (*PlanStateChange, error)
}
