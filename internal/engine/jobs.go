package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
	"github.com/muaviaUsmani/sellerpilot/internal/store"
)

// ErrJobInFlight is returned when deleting a job whose external call may be running
var ErrJobInFlight = errors.New("job is processing")

// JobRequest asks for "do Kind on TargetEntity, LeadMinutes before TargetAt"
type JobRequest struct {
	AccountID    int64           `json:"account_id"`
	Kind         rule.Kind       `json:"kind"`
	TargetEntity string          `json:"target_entity"`
	TargetAt     time.Time       `json:"target_at"`
	LeadMinutes  int             `json:"lead_minutes"`
	Payload      json.RawMessage `json:"payload"`
}

func (e *Engine) validateJob(req JobRequest) error {
	if req.AccountID <= 0 {
		return perrors.New(perrors.KindConfig, "account_id is required")
	}
	if req.TargetAt.IsZero() {
		return perrors.New(perrors.KindConfig, "target_at is required")
	}
	if req.LeadMinutes < 0 {
		return perrors.New(perrors.KindConfig, "lead_minutes cannot be negative")
	}
	// such a job would always be too late at its own execute time
	if lead := time.Duration(req.LeadMinutes) * time.Minute; lead > 0 && lead < e.opts.JobSafetyBuffer {
		return perrors.New(perrors.KindConfig, "lead_minutes must be 0 or at least %v", e.opts.JobSafetyBuffer)
	}
	h, ok := e.handlers.Get(req.Kind)
	if !ok {
		return perrors.New(perrors.KindConfig, "unknown job kind %q", req.Kind)
	}
	v, ok := h.(JobValidator)
	if !ok {
		return perrors.New(perrors.KindConfig, "%s does not support jobs", req.Kind)
	}
	return v.ValidateJob(req.TargetEntity, req.Payload)
}

// SubmitJob stores a job with its payload snapshot. A job without lead time,
// or whose execute time has already passed, is executed before SubmitJob
// returns; the returned job has its final status.
func (e *Engine) SubmitJob(ctx context.Context, req JobRequest) (*job.Job, error) {
	if err := e.validateJob(req); err != nil {
		return nil, err
	}
	if err := e.requireAuthorized(ctx, req.AccountID); err != nil {
		return nil, err
	}

	j, err := job.NewJobWithSnapshot(req.AccountID, req.Kind, req.TargetEntity, req.TargetAt, req.LeadMinutes, req.Payload)
	if err != nil {
		return nil, perrors.Wrap(perrors.KindConfig, err, "invalid job payload")
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	e.metrics.RecordJobTransition(string(j.Status))

	ctx = logger.WithJobID(logger.WithAccountID(ctx, j.AccountID), j.ID)
	e.log.InfoContext(ctx, "Job created",
		"status", j.Status,
		"target_at", j.TargetAt,
		"execute_at", j.ExecuteAt)

	if j.Status == job.StatusPending || j.Due(e.now()) {
		e.runJob(ctx, j, "submit-"+j.ID)
	}
	return j, nil
}

// ProcessDueJobs runs every scheduled job whose execute time has arrived
func (e *Engine) ProcessDueJobs(ctx context.Context, now time.Time) []Result {
	return e.processDueJobs(ctx, now, time.Now().Add(e.opts.TickDeadline))
}

func (e *Engine) processDueJobs(ctx context.Context, now, deadline time.Time) []Result {
	due, err := e.store.ListDueJobs(ctx, now, e.opts.DueJobLimit)
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to list due jobs", "error", err)
		return nil
	}
	if len(due) == 0 {
		return nil
	}

	tickID := logger.TickID(ctx)
	results := make([]*Result, len(due))
	batch := e.pool.Run(ctx, len(due), deadline, func(ctx context.Context, i int) {
		jctx := logger.WithJobID(logger.WithAccountID(ctx, due[i].AccountID), due[i].ID)
		results[i] = e.runJob(jctx, due[i], tickID)
	})
	for _, i := range batch.Deferred {
		results[i] = &Result{JobID: due[i].ID, AccountID: due[i].AccountID, Kind: due[i].Kind,
			EntityID: due[i].TargetEntity, Outcome: OutcomeDeferred, Message: "tick deadline passed before the job started"}
	}

	out := make([]Result, 0, len(due))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// runJob claims j, checks its deadline and executes it. It returns nil when
// another runner claimed the job first.
func (e *Engine) runJob(ctx context.Context, j *job.Job, tickID string) *Result {
	from := j.Status
	if err := e.store.TransitionJob(ctx, j.ID, from, job.StatusProcessing, store.JobUpdate{}); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			e.log.DebugContext(ctx, "Job already claimed", "status", from)
			return nil
		}
		e.log.ErrorContext(ctx, "Failed to claim job", "error", err)
		return &Result{JobID: j.ID, AccountID: j.AccountID, Kind: j.Kind, EntityID: j.TargetEntity,
			Outcome: audit.OutcomeFailed, Message: err.Error()}
	}
	if err := j.Transition(job.StatusProcessing); err != nil {
		e.log.WarnContext(ctx, "In-memory job status out of step", "error", err)
		j.Status = job.StatusProcessing
	}
	e.metrics.RecordJobTransition(string(job.StatusProcessing))

	t := &Target{
		AccountID: j.AccountID,
		JobID:     j.ID,
		TickID:    tickID,
		Kind:      j.Kind,
		EntityID:  j.TargetEntity,
		Start:     j.TargetAt,
		End:       j.TargetAt,
		Ref:       j.TargetEntity,
	}

	var res Result
	switch payload, err := j.Snapshot(); {
	case j.TooLate(e.now(), e.opts.JobSafetyBuffer):
		res = e.refuse(ctx, t, fmt.Sprintf("too late: target %s is less than %v away",
			j.TargetAt.In(e.opts.Location).Format(time.RFC3339), e.opts.JobSafetyBuffer))
	case err != nil:
		res = e.refuse(ctx, t, "unreadable payload snapshot: "+err.Error())
	default:
		t.Payload = payload
		res = e.execute(ctx, t)
	}

	e.finishJob(ctx, j, res)
	return &res
}

// refuse records a job that ends without an external call
func (e *Engine) refuse(ctx context.Context, t *Target, msg string) Result {
	res := Result{JobID: t.JobID, AccountID: t.AccountID, Kind: t.Kind, EntityID: t.EntityID,
		Outcome: audit.OutcomeFailed, Message: msg}
	e.log.WarnContext(ctx, "Job refused", "reason", msg)
	e.metrics.RecordOutcome(string(t.Kind), string(res.Outcome), 0)
	e.record(ctx, t, res)
	return res
}

// finishJob moves a processing job to its terminal status. A failed write
// leaves the job in processing for manual reconciliation.
func (e *Engine) finishJob(ctx context.Context, j *job.Job, res Result) {
	to := job.StatusError
	upd := store.JobUpdate{ExternalID: res.ExternalID, Error: res.Message}
	if res.Outcome == audit.OutcomeSuccess {
		to = job.StatusSuccess
		upd.Error = ""
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.TransitionJob(writeCtx, j.ID, job.StatusProcessing, to, upd); err != nil {
		e.log.ErrorContext(ctx, "Failed to finish job, it stays processing", "target_status", to, "error", err)
		return
	}

	_ = j.Transition(to)
	j.ExternalID = upd.ExternalID
	j.Error = upd.Error
	e.metrics.RecordJobTransition(string(to))
	e.log.InfoContext(ctx, "Job finished", "status", to, "external_id", j.ExternalID)
}

// ListJobs returns the account's jobs with their snapshots decoded
func (e *Engine) ListJobs(ctx context.Context, accountID int64) ([]job.View, error) {
	jobs, err := e.store.ListJobs(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]job.View, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ToView())
	}
	return out, nil
}

// DeleteJob removes a job. Processing jobs are refused. A finished job that
// created an external entity has it reversed first; an entity that is
// already gone counts as reversed.
func (e *Engine) DeleteJob(ctx context.Context, accountID int64, id string) error {
	j, err := e.store.GetJob(ctx, accountID, id)
	if err != nil {
		return err
	}
	ctx = logger.WithJobID(logger.WithAccountID(ctx, accountID), id)

	if j.Status == job.StatusProcessing {
		return fmt.Errorf("job %s: %w", id, ErrJobInFlight)
	}

	if j.Status.IsTerminal() && j.ExternalID != "" {
		h, err := e.handlers.mustGet(j.Kind)
		if err != nil {
			return err
		}
		if rev, ok := h.(Reverser); ok {
			if err := rev.Reverse(ctx, accountID, j.ExternalID); err != nil {
				return fmt.Errorf("failed to reverse %s %s: %w", j.Kind, j.ExternalID, err)
			}
			e.log.InfoContext(ctx, "Reversed job side effect", "external_id", j.ExternalID)
		}
	}

	if err := e.store.DeleteJob(ctx, accountID, id, j.Status); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return fmt.Errorf("job %s changed state while deleting: %w", id, ErrJobInFlight)
		}
		return err
	}
	e.log.InfoContext(ctx, "Job deleted", "status", j.Status)
	return nil
}
