// Package audit defines the append-only execution record.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// Outcome is the result of one attempted mutation
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Record is one attempted mutation. It is never updated once written.
type Record struct {
	ID string `json:"id" db:"id"`
	// RuleID is nil for job executions, and once the rule is deleted
	RuleID *string `json:"rule_id,omitempty" db:"rule_id"`
	// JobID is set for job executions
	JobID     *string   `json:"job_id,omitempty" db:"job_id"`
	TickID    string    `json:"tick_id,omitempty" db:"tick_id"`
	AccountID int64     `json:"account_id" db:"account_id"`
	Kind      rule.Kind `json:"kind" db:"kind"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	// Before is the observed value prior to the mutation, when it could be read
	Before *string `json:"before_value,omitempty" db:"before_value"`
	// After is the applied (or intended) value
	After      *string   `json:"after_value,omitempty" db:"after_value"`
	Outcome    Outcome   `json:"outcome" db:"outcome"`
	Error      string    `json:"error,omitempty" db:"error"`
	ExternalID string    `json:"external_id,omitempty" db:"external_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NewRecord creates a record stamped with a fresh id and at
func NewRecord(accountID int64, kind rule.Kind, entityID string, outcome Outcome, at time.Time) *Record {
	return &Record{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Kind:      kind,
		EntityID:  entityID,
		Outcome:   outcome,
		CreatedAt: at,
	}
}

// StringPtr returns nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
