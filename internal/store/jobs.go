package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/job"
)

const jobColumns = `id, account_id, kind, target_entity, target_at, lead_minutes, execute_at,
	payload, status, external_id, error, created_at, updated_at, executed_at`

// JobUpdate carries the fields a transition may set
type JobUpdate struct {
	ExternalID string
	Error      string
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (:id, :account_id, :kind, :target_entity, :target_at, :lead_minutes, :execute_at,
			:payload, :status, :external_id, :error, :created_at, :updated_at, :executed_at)`, j)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads a job owned by accountID
func (s *Store) GetJob(ctx context.Context, accountID int64, id string) (*job.Job, error) {
	var j job.Job
	err := s.db.GetContext(ctx, &j,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND account_id = $2`, id, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &j, nil
}

// ListJobs returns the account's jobs, latest execution time first
func (s *Store) ListJobs(ctx context.Context, accountID int64) ([]*job.Job, error) {
	var out []*job.Job
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+jobColumns+` FROM jobs WHERE account_id = $1 ORDER BY execute_at DESC, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return out, nil
}

// ListDueJobs returns scheduled jobs whose execute_at has arrived, oldest first
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = MaxHistoryLimit
	}
	var out []*job.Job
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND execute_at <= $2
		ORDER BY execute_at, id LIMIT $3`,
		string(job.StatusScheduled), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	return out, nil
}

// TransitionJob moves a job from one status to another only if it is still
// in from. Zero matched rows yield ErrStaleTransition, which is how two
// concurrent runners are kept from both claiming a job.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to job.Status, upd JobUpdate) error {
	if !job.CanTransition(from, to) {
		return fmt.Errorf("invalid job transition %s -> %s", from, to)
	}

	now := time.Now().UTC()
	var executedAt *time.Time
	if to == job.StatusSuccess {
		executedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			status = $3,
			external_id = CASE WHEN $4 = '' THEN external_id ELSE $4 END,
			error = $5,
			updated_at = $6,
			executed_at = COALESCE($7, executed_at)
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), upd.ExternalID, upd.Error, now, executedAt)
	if err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", id, to, err)
	}
	if err := expectOne(res, ErrStaleTransition); err != nil {
		return fmt.Errorf("job %s %s -> %s: %w", id, from, to, err)
	}
	return nil
}

// DeleteJob removes a job owned by accountID only if it is still in status.
// A job that moved on in the meantime yields ErrStaleTransition.
func (s *Store) DeleteJob(ctx context.Context, accountID int64, id string, status job.Status) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = $1 AND account_id = $2 AND status = $3`,
		id, accountID, string(status))
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if err := expectOne(res, ErrStaleTransition); err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	return nil
}
