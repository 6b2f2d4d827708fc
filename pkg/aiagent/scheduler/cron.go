package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron with @daily style descriptors.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks that expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Due reports whether expr fires in the minute containing t.
func Due(expr string, t time.Time) (bool, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return due(sched, t), nil
}

func due(sched cron.Schedule, t time.Time) bool {
	m := t.Truncate(time.Minute)
	return sched.Next(m.Add(-time.Second)).Equal(m)
}

// NextRuns returns the next n fire times after t.
func NextRuns(expr string, t time.Time, n int) ([]time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
