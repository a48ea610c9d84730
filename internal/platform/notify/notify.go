// Package notify delivers status change notifications to operators.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tpsview/tpsview/internal/domain/schedule"
)

// Log writes notifications to the application log. It is used when no chat
// is configured so that status changes still leave a trace.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) StatusChanged(_ context.Context, c schedule.StatusChange) error {
	l.logger.Info().
		Str("mrn", c.MRN).
		Str("plan_uid", c.PlanUID).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Time("at", c.At).
		Msg("status changed")
	return nil
}

// Message renders a change as a single line of text.
func Message(c schedule.StatusChange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MRN %s: %s → %s", c.MRN, c.From, c.To)
	if d, ok := c.ExamDate.Get(); ok {
		fmt.Fprintf(&b, " (exam %s)", d)
	}
	if c.PlanUID != "" {
		fmt.Fprintf(&b, " [plan %s]", c.PlanUID)
	}
	return b.String()
}
