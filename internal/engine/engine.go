// Package engine runs matched rules and due jobs against the marketplace:
// duplicate guard, mutation, and one execution record per attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
	"github.com/muaviaUsmani/sellerpilot/internal/store"
	"github.com/muaviaUsmani/sellerpilot/internal/worker"
)

// OutcomeDeferred marks a rule the soft deadline kept from starting.
// It is reported in summaries but never recorded.
const OutcomeDeferred audit.Outcome = "deferred"

// RuleStore persists rules
type RuleStore interface {
	UpsertRule(ctx context.Context, r *rule.Rule) (*rule.Rule, error)
	GetRule(ctx context.Context, accountID int64, id string) (*rule.Rule, error)
	DeleteRule(ctx context.Context, accountID int64, id string) error
	SetRuleActive(ctx context.Context, accountID int64, id string, active bool) error
	ListRules(ctx context.Context, accountID int64, entityID string) ([]*rule.Rule, error)
	ListActiveRules(ctx context.Context, kind rule.Kind) ([]*rule.Rule, error)
}

// AuditLog is the append-only execution history
type AuditLog interface {
	AppendExecution(ctx context.Context, rec *audit.Record) error
	ListExecutions(ctx context.Context, accountID int64, entityID string, limit int) ([]*audit.Record, error)
}

// JobStore persists one-shot jobs
type JobStore interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, accountID int64, id string) (*job.Job, error)
	ListJobs(ctx context.Context, accountID int64) ([]*job.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error)
	TransitionJob(ctx context.Context, id string, from, to job.Status, upd store.JobUpdate) error
	DeleteJob(ctx context.Context, accountID int64, id string, status job.Status) error
}

// TokenReader reads the marketplace authorization stored for an account
type TokenReader interface {
	GetToken(ctx context.Context, accountID int64) (*marketplace.Token, error)
}

// Store is everything the engine persists
type Store interface {
	RuleStore
	AuditLog
	JobStore
	TokenReader
}

var _ Store = (*store.Store)(nil)

// Options tunes a tick
type Options struct {
	// Location is the reference timezone every rule is evaluated in
	Location *time.Location
	// TickDeadline is the soft deadline after which unstarted rules are deferred
	TickDeadline time.Duration
	// JobSafetyBuffer is how close to its target a job may still run
	JobSafetyBuffer time.Duration
	// GuardLockTTL bounds the duplicate-check-to-create critical section
	GuardLockTTL time.Duration
	// DueJobLimit caps the jobs picked up by one tick
	DueJobLimit int
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.TickDeadline <= 0 {
		o.TickDeadline = 10 * time.Minute
	}
	if o.JobSafetyBuffer <= 0 {
		o.JobSafetyBuffer = 3 * time.Minute
	}
	if o.GuardLockTTL <= 0 {
		o.GuardLockTTL = 2 * time.Minute
	}
	if o.DueJobLimit <= 0 {
		o.DueJobLimit = 100
	}
	return o
}

// Result is the typed outcome of one rule or job run
type Result struct {
	RuleID     string        `json:"rule_id,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
	AccountID  int64         `json:"account_id"`
	Kind       rule.Kind     `json:"kind"`
	EntityID   string        `json:"entity_id"`
	Outcome    audit.Outcome `json:"outcome"`
	Message    string        `json:"message,omitempty"`
	Before     string        `json:"before_value,omitempty"`
	After      string        `json:"after_value,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Summary aggregates one tick. Counts cover rules and jobs alike.
type Summary struct {
	TickID     string    `json:"tick_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Matched    int       `json:"matched"`
	Jobs       int       `json:"jobs"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Deferred   int       `json:"deferred"`
	Results    []Result  `json:"results"`
	// Error is set when the rule set itself could not be loaded
	Error string `json:"error,omitempty"`
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case audit.OutcomeSuccess:
		s.Succeeded++
	case audit.OutcomeSkipped:
		s.Skipped++
	case OutcomeDeferred:
		s.Deferred++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// Engine executes rules and jobs
type Engine struct {
	store    Store
	handlers *Registry
	locker   lock.Locker
	pool     *worker.Pool
	matcher  *rule.Matcher
	opts     Options
	log      logger.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// New creates an engine
func New(st Store, handlers *Registry, locker lock.Locker, pool *worker.Pool, opts Options, log logger.Logger) *Engine {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	if pool == nil {
		pool = worker.NewPool(worker.DefaultConcurrency, log)
	}
	return &Engine{
		store:    st,
		handlers: handlers,
		locker:   locker,
		pool:     pool,
		matcher:  rule.NewMatcher(opts.Location),
		opts:     opts,
		log:      log.WithComponent(logger.ComponentEngine),
		metrics:  metrics.Default(),
		now:      time.Now,
	}
}

// WithMetrics replaces the metrics collector
func (e *Engine) WithMetrics(m *metrics.Collector) *Engine {
	e.metrics = m
	return e
}

// Location returns the reference timezone
func (e *Engine) Location() *time.Location {
	return e.opts.Location
}

// RunTick is one full sweep: matched rules first, then due jobs.
// It never fails; problems end up in the summary and the audit log.
func (e *Engine) RunTick(ctx context.Context, now time.Time) Summary {
	sum := Summary{TickID: uuid.New().String(), StartedAt: e.now()}
	ctx = logger.WithTickID(ctx, sum.TickID)
	// the pool measures the deadline on the wall clock
	deadline := time.Now().Add(e.opts.TickDeadline)

	e.log.InfoContext(ctx, "Tick started", "at", now.In(e.opts.Location).Format(time.RFC3339))

	rules, err := e.store.ListActiveRules(ctx, "")
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to load active rules", "error", err)
		sum.Error = err.Error()
	}

	matched := e.matcher.Match(rules, now)
	sum.Matched = len(matched)

	results := make([]Result, len(matched))
	batch := e.pool.Run(ctx, len(matched), deadline, func(ctx context.Context, i int) {
		results[i] = e.runRule(ctx, matched[i], now, sum.TickID)
	})
	for _, i := range batch.Deferred {
		results[i] = deferredResult(matched[i])
	}
	for _, i := range batch.Panicked {
		results[i] = ruleResult(matched[i], audit.OutcomeFailed, "panic outside the rule boundary")
	}
	for _, r := range results {
		sum.add(r)
	}

	// due jobs share the deadline; an expired tick leaves them for the next one
	if !time.Now().Before(deadline) {
		e.log.WarnContext(ctx, "Tick deadline passed before due jobs were processed")
	} else {
		jobResults := e.processDueJobs(ctx, now, deadline)
		sum.Jobs = len(jobResults)
		for _, r := range jobResults {
			sum.add(r)
		}
	}

	sum.FinishedAt = e.now()
	e.metrics.RecordTick(sum.StartedAt, sum.FinishedAt.Sub(sum.StartedAt), sum.Deferred)
	e.log.InfoContext(ctx, "Tick finished",
		"matched", sum.Matched,
		"jobs", sum.Jobs,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"deferred", sum.Deferred,
		"took", sum.FinishedAt.Sub(sum.StartedAt))
	return sum
}

// RunRule force-runs one rule now, ignoring its window and recurrence.
// The error covers the lookup only; the mutation outcome is in the Result.
func (e *Engine) RunRule(ctx context.Context, accountID int64, ruleID string) (Result, error) {
	r, err := e.store.GetRule(ctx, accountID, ruleID)
	if err != nil {
		return Result{}, err
	}
	tickID := "manual-" + uuid.New().String()
	ctx = logger.WithTickID(ctx, tickID)
	return e.runRule(ctx, r, e.now(), tickID), nil
}

func (e *Engine) runRule(ctx context.Context, r *rule.Rule, now time.Time, tickID string) Result {
	ctx = logger.WithRuleID(logger.WithAccountID(ctx, r.AccountID), r.ID)
	start, end := r.Window.On(now, e.opts.Location)
	t := &Target{
		AccountID: r.AccountID,
		RuleID:    r.ID,
		TickID:    tickID,
		Kind:      r.Kind,
		SubKind:   r.SubKind,
		EntityID:  r.EntityID,
		Window:    r.Window,
		Start:     start,
		End:       end,
		Payload:   r.Payload,
	}
	return e.execute(ctx, t)
}

// execute is the isolate-and-continue boundary of one run: guard, apply and
// record happen here, and every failure or panic becomes a Result.
func (e *Engine) execute(ctx context.Context, t *Target) (res Result) {
	started := e.now()
	res = Result{RuleID: t.RuleID, JobID: t.JobID, AccountID: t.AccountID, Kind: t.Kind, EntityID: t.EntityID}

	defer func() {
		if perr := perrors.Recover(recover()); perr != nil {
			e.log.ErrorContext(ctx, "Run panicked", "panic_value", perr.Value, "stack_trace", perr.Stacktrace)
			res.Outcome = audit.OutcomeFailed
			res.Message = perr.Error()
		}
		res.Duration = e.now().Sub(started)
		e.metrics.RecordOutcome(string(t.Kind), string(res.Outcome), res.Duration)
		e.record(ctx, t, res)
	}()

	h, err := e.handlers.mustGet(t.Kind)
	if err != nil {
		res.Outcome, res.Message = audit.OutcomeFailed, err.Error()
		return res
	}

	if c, ok := h.(Creator); ok {
		release, existing, err := e.guard(ctx, c, t)
		if release != nil {
			defer release()
		}
		if err != nil {
			res.Outcome, res.Message = classify(err)
			e.log.WarnContext(ctx, "Duplicate guard did not clear", "outcome", res.Outcome, "error", err)
			return res
		}
		if existing != "" {
			res.Outcome = audit.OutcomeSkipped
			// the colliding entity is not ours, so it is named but never claimed
			res.Message = fmt.Sprintf("%s %s already exists for this slot", t.Kind, existing)
			e.log.InfoContext(ctx, "Skipped, entity already exists", "existing_id", existing)
			return res
		}
	}

	out, err := h.Apply(ctx, t)
	if out != nil {
		res.Before, res.After, res.ExternalID = out.Before, out.After, out.ExternalID
	}
	if err != nil {
		var partial *PartialError
		if errors.As(err, &partial) {
			res.ExternalID = partial.ExternalID
		}
		res.Outcome, res.Message = classify(err)
		e.log.ErrorContext(ctx, "Mutation failed", "kind", t.Kind, "entity_id", t.EntityID, "error", err)
		return res
	}

	res.Outcome = audit.OutcomeSuccess
	e.log.InfoContext(ctx, "Mutation applied",
		"kind", t.Kind,
		"entity_id", t.EntityID,
		"before", res.Before,
		"after", res.After)
	return res
}

// record appends the execution record. A failed append is logged, never raised.
func (e *Engine) record(ctx context.Context, t *Target, res Result) {
	rec := audit.NewRecord(t.AccountID, t.Kind, t.EntityID, res.Outcome, e.now())
	rec.RuleID = audit.StringPtr(t.RuleID)
	rec.JobID = audit.StringPtr(t.JobID)
	rec.TickID = t.TickID
	rec.Before = audit.StringPtr(res.Before)
	rec.After = audit.StringPtr(res.After)
	rec.Error = res.Message
	rec.ExternalID = res.ExternalID
	if res.Outcome == audit.OutcomeSuccess {
		rec.Error = ""
	}

	// the run's context may be cancelled; the record must still be written
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.AppendExecution(writeCtx, rec); err != nil {
		e.log.ErrorContext(ctx, "Failed to append execution record", "outcome", res.Outcome, "error", err)
	}
}

// classify maps an error to an outcome and operator-facing message
func classify(err error) (audit.Outcome, string) {
	switch perrors.Classify(err) {
	case perrors.KindPrecondition:
		return audit.OutcomeSkipped, err.Error()
	case perrors.KindAuth:
		return audit.OutcomeFailed, "credential problem, re-authorize the account: " + err.Error()
	}
	return audit.OutcomeFailed, err.Error()
}

func ruleResult(r *rule.Rule, outcome audit.Outcome, msg string) Result {
	return Result{RuleID: r.ID, AccountID: r.AccountID, Kind: r.Kind, EntityID: r.EntityID, Outcome: outcome, Message: msg}
}

func deferredResult(r *rule.Rule) Result {
	return ruleResult(r, OutcomeDeferred, "tick deadline passed before the rule started")
}
