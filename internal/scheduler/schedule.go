// Package scheduler fires the periodic full sweep on a cron schedule.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions: minute hour day month weekday
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed cron expression bound to the reference timezone
type Schedule struct {
	// Expr is the source expression, e.g. "*/30 * * * *"
	Expr     string
	Location *time.Location
	cron     cron.Schedule
}

// ParseSchedule validates expr and binds it to loc (UTC when nil)
func ParseSchedule(expr string, loc *time.Location) (*Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Schedule{Expr: expr, Location: loc, cron: s}, nil
}

// Next returns the first activation strictly after t, evaluated in the schedule's timezone
func (s *Schedule) Next(after time.Time) time.Time {
	return s.cron.Next(after.In(s.Location))
}

// Source says what started a sweep
type Source string

const (
	SourceCron   Source = "cron"
	SourceManual Source = "manual"
)

// TriggerState is the runtime state of the trigger, shared by every process through Redis
type TriggerState struct {
	Expr        string    `json:"cron"`
	LastRun     time.Time `json:"last_run,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	RunCount    int64     `json:"run_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastSource  Source    `json:"last_source,omitempty"`
	LastTickID  string    `json:"last_tick_id,omitempty"`

	// counts of the last sweep
	Matched   int `json:"matched"`
	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Deferred  int `json:"deferred"`
}
