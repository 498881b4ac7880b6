// Package cron validates standard 5-field crontab expressions against an
// IANA timezone and computes successive occurrences for recurring action
// definitions.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a validated crontab expression bound to an IANA timezone,
// ready to produce successive occurrences.
type Schedule struct {
	expr     string
	tz       string
	loc      *time.Location
	schedule cron.Schedule
	minGap   time.Duration
}

// Parse validates a standard 5-field expr against the named IANA timezone
// and the minimum gap between fires. minGap defaults to 60s when zero.
// It rejects expressions whose first two occurrences after now are closer
// together than minGap.
func Parse(expr, timezone string, minGap time.Duration, now time.Time) (*Schedule, error) {
	if minGap <= 0 {
		minGap = 60 * time.Second
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("cron: unknown timezone %q: %w", timezone, err)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	s := &Schedule{expr: expr, tz: timezone, loc: loc, schedule: sched, minGap: minGap}

	first := sched.Next(now.In(loc))
	second := sched.Next(first)
	if gap := second.Sub(first); gap < minGap {
		return nil, fmt.Errorf("cron: successive fires %s apart are below the minimum interval %s", gap, minGap)
	}
	return s, nil
}

// NextOccurrence returns the first fire time strictly after after.
func (s *Schedule) NextOccurrence(after time.Time) time.Time {
	return s.schedule.Next(after.In(s.loc))
}

// Expression returns the crontab expression this Schedule was parsed from.
func (s *Schedule) Expression() string { return s.expr }

// Timezone returns the IANA timezone name this Schedule was bound to.
func (s *Schedule) Timezone() string { return s.tz }
