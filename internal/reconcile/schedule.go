package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a reconcile every 15 minutes
const DefaultSchedule = "*/15 * * * *"

// ParseSchedule parses a standard five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunSchedule reconciles once immediately and then at every tick of expr
// until ctx is done
func (r *Reconciler) RunSchedule(ctx context.Context, expr string) error {
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	r.Run(ctx)
	for {
		next := sched.Next(r.now())
		r.logger.Debug("next reconcile", zap.Time("at", next))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			r.Run(ctx)
		}
	}
}
