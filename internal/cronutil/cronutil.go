// Copyright 2025 James Ross

// Package cronutil resolves a job's ScheduleConfig.Cron expression (spec
// §6) into a concrete ScheduledFor timestamp using robfig/cron/v3's
// standard parser. The core never evaluates cron expressions itself; a
// caller (producer or SDK) resolves one instant here before calling
// CreateJob, keeping the store-facing schema limited to plain timestamps.
package cronutil

import (
	"time"

	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun returns the next activation of expr strictly after from, in the
// named timezone (empty means UTC).
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, bmerr.Wrap(bmerr.InvalidConfig, "unknown schedule.timezone", err)
		}
		loc = l
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, bmerr.Wrap(bmerr.InvalidConfig, "invalid schedule.cron expression", err)
	}

	return sched.Next(from.In(loc)), nil
}

// ResolveScheduledFor computes the ScheduledFor field (epoch ms) for a job
// from its ScheduleConfig, honoring whichever of delay/runAt/cron is set,
// in that precedence order (spec §6: "at most one of delay, runAt, cron").
func ResolveScheduledFor(delayMs, runAtMs int64, cronExpr, timezone string, now time.Time) (int64, error) {
	switch {
	case delayMs > 0:
		return now.UnixMilli() + delayMs, nil
	case runAtMs > 0:
		return runAtMs, nil
	case cronExpr != "":
		next, err := NextRun(cronExpr, timezone, now)
		if err != nil {
			return 0, err
		}
		return next.UnixMilli(), nil
	default:
		return now.UnixMilli(), nil
	}
}
