// Package job models one-shot lead-time mutations and their state machine.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// Status is the lifecycle state of a job
type Status string

const (
	// StatusPending is an immediate job waiting to start
	StatusPending Status = "pending"
	// StatusScheduled is waiting for ExecuteAt
	StatusScheduled Status = "scheduled"
	// StatusProcessing is durably claimed; the external call may be in flight
	StatusProcessing Status = "processing"
	// StatusSuccess means the marketplace accepted the mutation
	StatusSuccess Status = "success"
	// StatusError means the mutation was rejected or it was too late to act
	StatusError Status = "error"
)

// transitions lists every allowed edge. Nothing skips processing.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusScheduled:  {StatusProcessing},
	StatusProcessing: {StatusSuccess, StatusError},
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusProcessing, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Job is a pre-registered "do X, N minutes before T" action
type Job struct {
	ID        string    `json:"id" db:"id"`
	AccountID int64     `json:"account_id" db:"account_id"`
	Kind      rule.Kind `json:"kind" db:"kind"`
	// TargetEntity is the external entity the job acts on (a promotion time slot id)
	TargetEntity string `json:"target_entity" db:"target_entity"`
	// TargetAt is the future instant the job is about
	TargetAt    time.Time `json:"target_at" db:"target_at"`
	LeadMinutes int       `json:"lead_minutes" db:"lead_minutes"`
	ExecuteAt   time.Time `json:"execute_at" db:"execute_at"`
	// Payload is the encoded snapshot taken at creation, see Snapshot
	Payload    []byte     `json:"-" db:"payload"`
	Status     Status     `json:"status" db:"status"`
	ExternalID string     `json:"external_id,omitempty" db:"external_id"`
	Error      string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty" db:"executed_at"`
}

// NewJob creates a job with an already encoded payload snapshot.
// A zero lead time creates a pending job that runs immediately;
// otherwise the job is scheduled for targetAt minus the lead time.
func NewJob(accountID int64, kind rule.Kind, targetEntity string, targetAt time.Time, leadMinutes int, payload []byte) *Job {
	now := time.Now()
	j := &Job{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         kind,
		TargetEntity: targetEntity,
		TargetAt:     targetAt,
		LeadMinutes:  leadMinutes,
		Payload:      payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if leadMinutes <= 0 {
		j.LeadMinutes = 0
		j.Status = StatusPending
		j.ExecuteAt = now
	} else {
		j.Status = StatusScheduled
		j.ExecuteAt = targetAt.Add(-j.LeadTime())
	}
	return j
}

// LeadTime returns the lead as a duration
func (j *Job) LeadTime() time.Duration {
	return time.Duration(j.LeadMinutes) * time.Minute
}

// Due reports whether a scheduled job should run at now
func (j *Job) Due(now time.Time) bool {
	return j.Status == StatusScheduled && !j.ExecuteAt.After(now)
}

// TooLate reports whether the target instant is closer than buffer, or already past
func (j *Job) TooLate(now time.Time, buffer time.Duration) bool {
	return j.TargetAt.Sub(now) < buffer
}

// Transition moves the job along an allowed edge in memory.
// The store applies the same edge conditionally, see store.TransitionJob.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid job transition %s -> %s", j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now()
	if to == StatusSuccess {
		at := j.UpdatedAt
		j.ExecutedAt = &at
	}
	return nil
}
