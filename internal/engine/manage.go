package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// RuleRequest is the operator's create-or-update input
type RuleRequest struct {
	Kind     rule.Kind       `json:"kind"`
	EntityID string          `json:"entity_id"`
	SubKind  rule.SubKind    `json:"sub_kind,omitempty"`
	Window   rule.Window     `json:"window"`
	Weekdays []int           `json:"weekdays,omitempty"`
	Dates    []string        `json:"dates,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// CreateOrUpdateRule validates the request and upserts it on
// (account, kind, entity, window). Malformed rules never reach the store.
func (e *Engine) CreateOrUpdateRule(ctx context.Context, accountID int64, req RuleRequest) (*rule.Rule, error) {
	r := rule.New(accountID, req.Kind, req.EntityID, req.SubKind, req.Window, req.Weekdays, req.Dates, req.Payload)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	h, ok := e.handlers.Get(r.Kind)
	if !ok {
		return nil, perrors.New(perrors.KindConfig, "no handler for rule kind %q", r.Kind)
	}
	if err := h.Validate(r); err != nil {
		return nil, err
	}
	if err := e.requireAuthorized(ctx, accountID); err != nil {
		return nil, err
	}

	stored, err := e.store.UpsertRule(ctx, r)
	if err != nil {
		return nil, err
	}
	e.log.InfoContext(logger.WithAccountID(ctx, accountID), "Rule saved",
		"rule_id", stored.ID,
		"key", stored.UniqueKey(),
		"updated", stored.ID != r.ID)
	return stored, nil
}

// requireAuthorized rejects accounts that hold no marketplace token, so their
// rules and jobs are refused at creation instead of failing on every tick
func (e *Engine) requireAuthorized(ctx context.Context, accountID int64) error {
	tok, err := e.store.GetToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to check authorization of account %d: %w", accountID, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return perrors.New(perrors.KindConfig, "account %d has not authorized the marketplace", accountID)
	}
	return nil
}

// DeleteRule hard-deletes a rule; its execution history is kept
func (e *Engine) DeleteRule(ctx context.Context, accountID int64, ruleID string) error {
	if err := e.store.DeleteRule(ctx, accountID, ruleID); err != nil {
		return err
	}
	e.log.InfoContext(logger.WithAccountID(ctx, accountID), "Rule deleted", "rule_id", ruleID)
	return nil
}

// SetRuleActive soft-enables or soft-disables a rule
func (e *Engine) SetRuleActive(ctx context.Context, accountID int64, ruleID string, active bool) error {
	return e.store.SetRuleActive(ctx, accountID, ruleID, active)
}

// ListRules returns the account's rules, optionally for one entity
func (e *Engine) ListRules(ctx context.Context, accountID int64, entityID string) ([]*rule.Rule, error) {
	return e.store.ListRules(ctx, accountID, entityID)
}

// History returns execution records, most recent first
func (e *Engine) History(ctx context.Context, accountID int64, entityID string, limit int) ([]*audit.Record, error) {
	return e.store.ListExecutions(ctx, accountID, entityID, limit)
}
