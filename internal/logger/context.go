package logger

import "context"

type ctxKey int

const (
	tickIDKey ctxKey = iota
	accountIDKey
	ruleIDKey
	jobIDKey
)

// WithTickID tags ctx with the tick being processed
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, tickIDKey, tickID)
}

// WithAccountID tags ctx with the seller account being mutated
func WithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// WithRuleID tags ctx with the rule being executed
func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey, ruleID)
}

// WithJobID tags ctx with the one-shot job being executed
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// TickID returns the tick id stored in ctx, if any
func TickID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(tickIDKey).(string)
	return v
}

func fieldsFromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	fields := map[string]interface{}{}
	if v, ok := ctx.Value(tickIDKey).(string); ok && v != "" {
		fields["tick_id"] = v
	}
	if v, ok := ctx.Value(accountIDKey).(int64); ok {
		fields["account_id"] = v
	}
	if v, ok := ctx.Value(ruleIDKey).(string); ok && v != "" {
		fields["rule_id"] = v
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		fields["job_id"] = v
	}
	return fields
}
