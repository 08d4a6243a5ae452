// Package schedule evaluates five-field cron expressions for recurring tasks.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether pattern is a parseable cron expression.
func Validate(pattern string) error {
	if _, err := parser.Parse(pattern); err != nil {
		return fmt.Errorf("parse schedule %q: %w", pattern, err)
	}
	return nil
}

// Next returns the first instant strictly after from that satisfies pattern.
func Next(pattern string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", pattern, err)
	}
	return sched.Next(from), nil
}
