package schedule

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tpsview/tpsview/internal/platform/db"
)

const defaultWidenLimit = 50

// AggregatorOptions controls date handling and the empty-day fallback.
type AggregatorOptions struct {
	// Location is the clinic time zone used to decide what "today" is.
	Location *time.Location
	// WidenOnEmpty re-runs the query without a date filter when the day has
	// no examinations.
	WidenOnEmpty bool
	WidenLimit   int
	Now          func() time.Time
}

// Aggregator builds the daily schedule from the TPS tables.
type Aggregator struct {
	store  Store
	caps   db.Capabilities
	opts   AggregatorOptions
	logger zerolog.Logger
}

func NewAggregator(store Store, caps db.Capabilities, opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WidenLimit <= 0 {
		opts.WidenLimit = defaultWidenLimit
	}
	return &Aggregator{
		store:  store,
		caps:   caps,
		opts:   opts,
		logger: logger.With().Str("component", "schedule-aggregator").Logger(),
	}
}

// Capabilities returns the schema capabilities the aggregator was built with.
func (a *Aggregator) Capabilities() db.Capabilities { return a.caps }

// Today is the current calendar date in the clinic time zone.
func (a *Aggregator) Today() time.Time {
	return a.opts.Now().In(a.opts.Location)
}

// ParseDate reads a YYYY-MM-DD query date. An empty string is today. A
// malformed value also yields today, together with ErrInvalidDate.
func ParseDate(raw string, today time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return today, nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return today, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return d, nil
}

// Aggregate returns one record per examination on the requested date,
// ordered by plan start time with unscheduled plans last. It never fails:
// a malformed date falls back to today and store errors yield an empty
// schedule.
func (a *Aggregator) Aggregate(ctx context.Context, rawDate string) *Schedule {
	day, err := ParseDate(rawDate, a.Today())
	sched := &Schedule{Date: NewDate(day), Records: []*Record{}}
	if err != nil {
		a.logger.Warn().Err(err).Str("date", sched.Date.String()).Msg("falling back to today")
		sched.DateFallback = true
	}

	rows, err := a.store.ListRows(ctx, ScheduleQuery{Date: &day, Caps: a.caps})
	if err != nil {
		a.logger.Error().Err(err).Str("date", sched.Date.String()).Msg("failed to load schedule")
		return sched
	}

	if len(rows) == 0 && a.opts.WidenOnEmpty {
		rows, err = a.store.ListRows(ctx, ScheduleQuery{Limit: a.opts.WidenLimit, Caps: a.caps})
		if err != nil {
			a.logger.Error().Err(err).Msg("failed to load recent examinations")
			return sched
		}
		if len(rows) > 0 {
			sched.Widened = true
			a.logger.Info().Str("date", sched.Date.String()).Int("records", len(rows)).
				Msg("no examinations on date, showing most recent")
		}
	}

	for _, row := range rows {
		sched.Records = append(sched.Records, newRecord(row, a.caps))
	}
	sortRecords(sched.Records)

	a.logger.Debug().Str("date", sched.Date.String()).Int("records", len(sched.Records)).Msg("schedule aggregated")
	return sched
}

// sortRecords orders by start time ascending with missing start times last,
// then by patient last name, first name and MRN.
func sortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		at, aok := a.StartTime.Get()
		bt, bok := b.StartTime.Get()
		if aok != bok {
			return aok
		}
		if aok && !at.Equal(bt) {
			return at.Before(bt)
		}
		if c := strings.Compare(strings.ToLower(a.lastName), strings.ToLower(b.lastName)); c != 0 {
			return c < 0
		}
		if c := strings.Compare(strings.ToLower(a.firstName), strings.ToLower(b.firstName)); c != 0 {
			return c < 0
		}
		return a.MRN < b.MRN
	})
}

// Notifier is told about committed status changes. Errors are logged and
// never affect the update result.
type Notifier interface {
	StatusChanged(ctx context.Context, change StatusChange) error
}

const notifyTimeout = 10 * time.Second

// StatusUpdater writes a new workflow status to a patient's current plan.
type StatusUpdater struct {
	store    Store
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// NewStatusUpdater creates an updater. notifier may be nil.
func NewStatusUpdater(store Store, notifier Notifier, logger zerolog.Logger) *StatusUpdater {
	return &StatusUpdater{
		store:    store,
		notifier: notifier,
		loc:      time.Local,
		now:      time.Now,
		logger:   logger.With().Str("component", "status-updater").Logger(),
	}
}

// WithClock sets the clinic time zone and clock used to pick the current
// examination. A nil location keeps the process zone.
func (u *StatusUpdater) WithClock(loc *time.Location, now func() time.Time) *StatusUpdater {
	if loc != nil {
		u.loc = loc
	}
	if now != nil {
		u.now = now
	}
	return u
}

// Update validates the label before touching the store. The write happens
// in one transaction; a failure leaves the stored state unchanged.
func (u *StatusUpdater) Update(ctx context.Context, req StatusUpdateRequest) UpdateResult {
	mrn := strings.TrimSpace(req.MRN)
	if mrn == "" {
		return UpdateResult{Message: ErrEmptyMRN.Error(), Code: http.StatusBadRequest}
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		return UpdateResult{
			Message: fmt.Sprintf("invalid status %q, expected one of %s", req.Status, joinStatuses()),
			Code:    http.StatusBadRequest,
		}
	}

	code := status.StateCode()
	today := NewDate(u.now().In(u.loc)).Time
	change, err := u.store.SetPlanState(ctx, mrn, code, today)
	switch {
	case errors.Is(err, ErrPlanNotFound):
		u.logger.Warn().Str("mrn", mrn).Msg("status update for patient without treatment plan")
		return UpdateResult{
			Message: fmt.Sprintf("no treatment plan found for MRN %s", mrn),
			Code:    http.StatusNotFound,
		}
	case err != nil:
		u.logger.Error().Err(err).Str("mrn", mrn).Str("status", string(status)).Msg("status update failed")
		return UpdateResult{
			Message: fmt.Sprintf("failed to update status: %v", err),
			Code:    http.StatusInternalServerError,
		}
	}

	from := StatusFromState(change.PreviousState)
	u.logger.Info().
		Str("mrn", mrn).
		Str("plan_uid", change.PlanUID).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("state", formatState(code)).
		Msg("status updated")

	if u.notifier != nil {
		sc := StatusChange{MRN: mrn, PlanUID: change.PlanUID, From: from, To: status, At: u.now()}
		sc.ExamDate = Null[Date]()
		if change.ExamDate != nil {
			sc.ExamDate = Value(NewDate(*change.ExamDate))
		}
		u.notify(ctx, sc)
	}

	return UpdateResult{
		Success: true,
		Message: fmt.Sprintf("Status for MRN %s updated to %s", mrn, status),
		Code:    http.StatusOK,
	}
}

func (u *StatusUpdater) notify(ctx context.Context, change StatusChange) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := u.notifier.StatusChanged(ctx, change); err != nil {
		u.logger.Warn().Err(err).Str("mrn", change.MRN).Msg("status notification failed")
	}
}

func joinStatuses() string {
	labels := make([]string, 0, len(statusCodes))
	for _, s := range Statuses() {
		labels = append(labels, string(s))
	}
	return strings.Join(labels, ", ")
}
