package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

const ruleColumns = `id, account_id, kind, entity_id, sub_kind,
	hour_start, minute_start, hour_end, minute_end,
	weekdays, dates, payload, is_active, created_at, updated_at`

// ruleRow is the table shape of a rule. Missing window minutes are stored as 0
// so the unique constraint treats "8" and "8:00" as the same window.
type ruleRow struct {
	ID          string         `db:"id"`
	AccountID   int64          `db:"account_id"`
	Kind        string         `db:"kind"`
	EntityID    string         `db:"entity_id"`
	SubKind     string         `db:"sub_kind"`
	HourStart   int            `db:"hour_start"`
	MinuteStart int            `db:"minute_start"`
	HourEnd     int            `db:"hour_end"`
	MinuteEnd   int            `db:"minute_end"`
	Weekdays    pq.Int64Array  `db:"weekdays"`
	Dates       pq.StringArray `db:"dates"`
	Payload     []byte         `db:"payload"`
	IsActive    bool           `db:"is_active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (row *ruleRow) toRule() *rule.Rule {
	r := &rule.Rule{
		ID:        row.ID,
		AccountID: row.AccountID,
		Kind:      rule.Kind(row.Kind),
		EntityID:  row.EntityID,
		SubKind:   rule.SubKind(row.SubKind),
		Window: rule.Window{
			HourStart: row.HourStart,
			HourEnd:   row.HourEnd,
		},
		Payload:   json.RawMessage(row.Payload),
		IsActive:  row.IsActive,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.MinuteStart != 0 {
		r.Window.MinuteStart = rule.IntPtr(row.MinuteStart)
	}
	if row.MinuteEnd != 0 {
		r.Window.MinuteEnd = rule.IntPtr(row.MinuteEnd)
	}
	for _, d := range row.Weekdays {
		r.Weekdays = append(r.Weekdays, int(d))
	}
	if len(row.Dates) > 0 {
		r.Dates = []string(row.Dates)
	}
	return r
}

func weekdayArray(days []int) pq.Int64Array {
	out := make(pq.Int64Array, 0, len(days))
	for _, d := range days {
		out = append(out, int64(d))
	}
	return out
}

func dateArray(dates []string) pq.StringArray {
	if dates == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(dates)
}

// UpsertRule inserts r, or updates the rule already holding its
// (account, kind, entity, window) tuple. Updating re-activates the rule.
// The returned rule is the stored row, so its id may differ from r.ID.
func (s *Store) UpsertRule(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	query := `INSERT INTO rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, $13, $13)
		ON CONFLICT ON CONSTRAINT rules_unique_window DO UPDATE SET
			sub_kind = EXCLUDED.sub_kind,
			weekdays = EXCLUDED.weekdays,
			dates = EXCLUDED.dates,
			payload = EXCLUDED.payload,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + ruleColumns

	var row ruleRow
	err := s.db.QueryRowxContext(ctx, query,
		r.ID,
		r.AccountID,
		string(r.Kind),
		r.EntityID,
		string(r.SubKind),
		r.Window.HourStart,
		minuteOrZero(r.Window.MinuteStart),
		r.Window.HourEnd,
		minuteOrZero(r.Window.MinuteEnd),
		weekdayArray(r.Weekdays),
		dateArray(r.Dates),
		string(r.Payload),
		time.Now().UTC(),
	).StructScan(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert rule %s: %w", r.UniqueKey(), err)
	}

	s.log.Debug("Rule upserted", "rule_id", row.ID, "key", r.UniqueKey())
	return row.toRule(), nil
}

// GetRule loads a rule owned by accountID
func (s *Store) GetRule(ctx context.Context, accountID int64, id string) (*rule.Rule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND account_id = $2`, id, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return row.toRule(), nil
}

// DeleteRule hard-deletes a rule owned by accountID. Its execution records survive.
func (s *Store) DeleteRule(ctx context.Context, accountID int64, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rules WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return expectOne(res, fmt.Errorf("rule %s: %w", id, ErrNotFound))
}

// SetRuleActive soft-enables or soft-disables a rule
func (s *Store) SetRuleActive(ctx context.Context, accountID int64, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET is_active = $3, updated_at = $4 WHERE id = $1 AND account_id = $2`,
		id, accountID, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	return expectOne(res, fmt.Errorf("rule %s: %w", id, ErrNotFound))
}

// ListRules returns the account's rules, optionally for one entity, ordered
// by entity then window start
func (s *Store) ListRules(ctx context.Context, accountID int64, entityID string) ([]*rule.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE account_id = $1`
	args := []interface{}{accountID}
	if entityID != "" {
		query += ` AND entity_id = $2`
		args = append(args, entityID)
	}
	query += ` ORDER BY kind, entity_id, hour_start, minute_start, created_at`

	return s.selectRules(ctx, query, args...)
}

// ListActiveRules returns every active rule across accounts, optionally of one kind
func (s *Store) ListActiveRules(ctx context.Context, kind rule.Kind) ([]*rule.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE is_active`
	var args []interface{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY hour_start, minute_start, account_id, id`

	return s.selectRules(ctx, query, args...)
}

func (s *Store) selectRules(ctx context.Context, query string, args ...interface{}) ([]*rule.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]*rule.Rule, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRule())
	}
	return out, nil
}

func minuteOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
