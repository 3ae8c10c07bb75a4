// Package schedule computes producer due times from interval or cron
// expressions.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomctl/loom/internal/engine/model"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a schedule expression without computing anything.
func Validate(schedType model.ScheduleType, value string) error {
	switch schedType {
	case model.ScheduleInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", value, err)
		}
		if d < time.Second {
			return fmt.Errorf("interval %q is below 1s", value)
		}
		return nil
	case model.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule type %q", schedType)
	}
}

// NextRun returns the next due time strictly after from, in unix
// milliseconds.
func NextRun(schedType model.ScheduleType, value string, from int64) (int64, error) {
	switch schedType {
	case model.ScheduleInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", value, err)
		}
		return from + d.Milliseconds(), nil
	case model.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return 0, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		next := sched.Next(time.UnixMilli(from).UTC())
		return next.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown schedule type %q", schedType)
	}
}

// FromConfig converts a producer's declared schedule into its storage form.
func FromConfig(cfg model.ScheduleConfig) (model.ScheduleType, string, error) {
	switch {
	case cfg.Interval != "" && cfg.Cron != "":
		return "", "", fmt.Errorf("schedule declares both interval and cron")
	case cfg.Interval != "":
		return model.ScheduleInterval, cfg.Interval, Validate(model.ScheduleInterval, cfg.Interval)
	case cfg.Cron != "":
		return model.ScheduleCron, cfg.Cron, Validate(model.ScheduleCron, cfg.Cron)
	default:
		return "", "", fmt.Errorf("schedule declares neither interval nor cron")
	}
}
