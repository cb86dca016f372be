package store

import (
	"context"
	"fmt"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
)

const (
	// DefaultHistoryLimit applies when a caller passes no limit
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history page
	MaxHistoryLimit = 500
)

const executionColumns = `id, rule_id, job_id, tick_id, account_id, kind, entity_id,
	before_value, after_value, outcome, error, external_id, created_at`

// AppendExecution writes one execution record. Records are never updated.
func (s *Store) AppendExecution(ctx context.Context, rec *audit.Record) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO execution_records (`+executionColumns+`)
		VALUES (:id, :rule_id, :job_id, :tick_id, :account_id, :kind, :entity_id,
			:before_value, :after_value, :outcome, :error, :external_id, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to append execution record for %s: %w", rec.EntityID, err)
	}
	return nil
}

// ListExecutions returns the account's execution records, most recent first
func (s *Store) ListExecutions(ctx context.Context, accountID int64, entityID string, limit int) ([]*audit.Record, error) {
	limit = clampLimit(limit)

	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE account_id = $1`
	args := []interface{}{accountID}
	if entityID != "" {
		query += ` AND entity_id = $2`
		args = append(args, entityID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT %d`, limit)

	var out []*audit.Record
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
