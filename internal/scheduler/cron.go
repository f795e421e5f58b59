package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard five-field cron expressions (minute, hour,
// day-of-month, month, day-of-week).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// configKind discriminates a Schedule.Config payload.
type configKind string

const (
	kindCron     configKind = "cron"
	kindInterval configKind = "interval"
)

// config is the decoded shape of a workflow_schedules.config column: either
// a five-field cron expression or a fixed interval in seconds.
type config struct {
	Type         configKind `json:"type"`
	Expression   string     `json:"expression,omitempty"`
	IntervalSecs int        `json:"interval_seconds,omitempty"`
}

func parseConfig(raw []byte) (config, error) {
	var c config
	if err := json.Unmarshal(raw, &c); err != nil {
		return config{}, fmt.Errorf("decoding schedule config: %w", err)
	}
	switch c.Type {
	case kindCron:
		if _, err := cronParser.Parse(c.Expression); err != nil {
			return config{}, fmt.Errorf("parsing cron expression %q: %w", c.Expression, err)
		}
	case kindInterval:
		if c.IntervalSecs <= 0 {
			return config{}, fmt.Errorf("interval schedule requires a positive interval_seconds")
		}
	default:
		return config{}, fmt.Errorf("unknown schedule config type %q", c.Type)
	}
	return c, nil
}

// ComputeNextFireTime exports nextFireTime for callers outside this package
// (the schedule-upsert API handler) that need to validate a config and
// compute its first fire time before it has ever run.
func ComputeNextFireTime(raw []byte, lastRunAt *time.Time, now time.Time) (time.Time, error) {
	return nextFireTime(raw, lastRunAt, now)
}

// nextFireTime computes the next fire time: cron uses standard five-field
// next-match semantics; interval configs advance by
// adding the interval to max(lastRunAt, now) so a long-downtime restart
// doesn't burst-fire every missed tick.
func nextFireTime(raw []byte, lastRunAt *time.Time, now time.Time) (time.Time, error) {
	c, err := parseConfig(raw)
	if err != nil {
		return time.Time{}, err
	}

	switch c.Type {
	case kindCron:
		sched, err := cronParser.Parse(c.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", c.Expression, err)
		}
		return sched.Next(now), nil
	case kindInterval:
		base := now
		if lastRunAt != nil && lastRunAt.After(base) {
			base = *lastRunAt
		}
		return base.Add(time.Duration(c.IntervalSecs) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule config type %q", c.Type)
	}
}
