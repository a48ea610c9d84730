package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Aggregation is the part of Aggregator the refresher depends on.
type Aggregation interface {
	Aggregate(ctx context.Context, rawDate string) *Schedule
}

// RefreshObserver is told about every completed refresh.
type RefreshObserver interface {
	ScheduleRefreshed(s *Schedule, took time.Duration)
}

// Refresher re-aggregates today's schedule on a fixed interval and logs a
// per-status summary. Nothing is kept between runs.
type Refresher struct {
	agg      Aggregation
	interval time.Duration
	logger   zerolog.Logger
	observer RefreshObserver
}

func NewRefresher(agg Aggregation, interval time.Duration, logger zerolog.Logger) *Refresher {
	return &Refresher{
		agg:      agg,
		interval: interval,
		logger:   logger.With().Str("component", "schedule-refresher").Logger(),
	}
}

// WithObserver sets the observer notified after each refresh.
func (r *Refresher) WithObserver(o RefreshObserver) *Refresher {
	r.observer = o
	return r
}

// Start refreshes once immediately and then on every tick. It blocks until
// ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Msg("schedule refresher started")
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("schedule refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	start := time.Now()
	sched := r.agg.Aggregate(ctx, "")
	took := time.Since(start)
	if r.observer != nil {
		r.observer.ScheduleRefreshed(sched, took)
	}

	counts := make(map[Status]int)
	for _, rec := range sched.Records {
		counts[rec.Status]++
	}
	ev := r.logger.Info().Str("date", sched.Date.String()).Int("records", len(sched.Records)).Bool("widened", sched.Widened).Dur("took", took)
	for _, s := range Statuses() {
		ev = ev.Int(string(s), counts[s])
	}
	ev.Msg("schedule refreshed")
}
