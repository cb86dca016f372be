package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/sellerpilot/internal/engine"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
)

// ErrTickInProgress is returned when another process holds the tick lock
var ErrTickInProgress = errors.New("another tick is in progress")

// stateKey is the Redis hash holding TriggerState
const stateKey = "sellerpilot:trigger"

// Ticker runs one full sweep
type Ticker interface {
	RunTick(ctx context.Context, now time.Time) engine.Summary
}

// Trigger checks the schedule every interval and runs a sweep when it is due.
// Only the process holding lock.TickKey sweeps.
type Trigger struct {
	schedule *Schedule
	ticker   Ticker
	client   *redis.Client
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	log      logger.Logger

	// now is swapped in tests
	now func() time.Time
}

// NewTrigger creates a trigger
func NewTrigger(schedule *Schedule, ticker Ticker, client *redis.Client, interval time.Duration) *Trigger {
	return &Trigger{
		schedule: schedule,
		ticker:   ticker,
		client:   client,
		locker:   lock.NewRedisLocker(client),
		interval: interval,
		lockTTL:  15 * time.Minute,
		log:      logger.Default().WithComponent(logger.ComponentScheduler),
		now:      time.Now,
	}
}

// SetLockTTL sets the tick lock TTL. It should outlast the tick deadline.
func (t *Trigger) SetLockTTL(ttl time.Duration) {
	t.lockTTL = ttl
}

// SetLogger replaces the logger
func (t *Trigger) SetLogger(log logger.Logger) {
	t.log = log.WithComponent(logger.ComponentScheduler)
}

// Start runs the check loop until ctx is done
func (t *Trigger) Start(ctx context.Context) {
	t.log.Info("Trigger started",
		"cron", t.schedule.Expr,
		"timezone", t.schedule.Location.String(),
		"interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Trigger stopping")
			return
		case <-ticker.C:
			t.check(ctx)
		}
	}
}

func (t *Trigger) check(ctx context.Context) {
	now := t.now()
	if !t.isDue(ctx, now) {
		return
	}
	if _, err := t.fire(ctx, now, SourceCron); err != nil {
		if errors.Is(err, ErrTickInProgress) {
			t.log.Debug("Tick already running in another process")
			return
		}
		t.log.Error("Scheduled tick did not run", "error", err)
	}
}

// isDue reports whether the activation after the last run has arrived
func (t *Trigger) isDue(ctx context.Context, now time.Time) bool {
	state, err := t.getState(ctx)
	if err != nil {
		t.log.Error("Failed to get trigger state", "error", err)
		return false
	}
	// a trigger that never ran is due at once
	next := t.schedule.Next(state.LastRun)
	return !now.Before(next.Add(-time.Second))
}

// RunNow runs a sweep immediately, outside the schedule
func (t *Trigger) RunNow(ctx context.Context) (engine.Summary, error) {
	return t.fire(ctx, t.now(), SourceManual)
}

func (t *Trigger) fire(ctx context.Context, now time.Time, source Source) (engine.Summary, error) {
	lease, err := t.locker.TryAcquire(ctx, lock.TickKey, t.lockTTL)
	if err != nil {
		return engine.Summary{}, fmt.Errorf("failed to take tick lock: %w", err)
	}
	if lease == nil {
		return engine.Summary{}, ErrTickInProgress
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			t.log.Error("Failed to release tick lock", "error", err)
		}
	}()

	sum := t.ticker.RunTick(ctx, now)

	state := &TriggerState{
		LastRun:    now,
		NextRun:    t.schedule.Next(now),
		RunCount:   t.incrementRunCount(ctx),
		LastError:  sum.Error,
		LastSource: source,
		LastTickID: sum.TickID,
		Matched:    sum.Matched,
		Jobs:       sum.Jobs,
		Succeeded:  sum.Succeeded,
		Failed:     sum.Failed,
		Skipped:    sum.Skipped,
		Deferred:   sum.Deferred,
	}
	if sum.Error == "" {
		state.LastSuccess = now
	}
	if err := t.updateState(ctx, state); err != nil {
		t.log.Warn("Failed to update trigger state", "error", err)
	}

	t.log.Debug("Trigger state updated",
		"source", source,
		"next_run", state.NextRun.Format(time.RFC3339),
		"run_count", state.RunCount)
	return sum, nil
}

// GetState returns the trigger state for monitoring
func (t *Trigger) GetState(ctx context.Context) (*TriggerState, error) {
	return t.getState(ctx)
}

func (t *Trigger) getState(ctx context.Context) (*TriggerState, error) {
	result, err := t.client.HGetAll(ctx, stateKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger state: %w", err)
	}

	state := &TriggerState{Expr: t.schedule.Expr}
	if len(result) == 0 {
		return state, nil
	}

	state.LastRun = parseTime(result["last_run"])
	state.NextRun = parseTime(result["next_run"])
	state.LastSuccess = parseTime(result["last_success"])
	state.LastError = result["last_error"]
	state.LastSource = Source(result["last_source"])
	state.LastTickID = result["last_tick_id"]
	state.RunCount = parseInt(result["run_count"])
	state.Matched = int(parseInt(result["matched"]))
	state.Jobs = int(parseInt(result["jobs"]))
	state.Succeeded = int(parseInt(result["succeeded"]))
	state.Failed = int(parseInt(result["failed"]))
	state.Skipped = int(parseInt(result["skipped"]))
	state.Deferred = int(parseInt(result["deferred"]))
	return state, nil
}

func (t *Trigger) updateState(ctx context.Context, state *TriggerState) error {
	fields := map[string]interface{}{
		"last_run":     state.LastRun.Format(time.RFC3339),
		"next_run":     state.NextRun.Format(time.RFC3339),
		"last_source":  string(state.LastSource),
		"last_tick_id": state.LastTickID,
		"matched":      state.Matched,
		"jobs":         state.Jobs,
		"succeeded":    state.Succeeded,
		"failed":       state.Failed,
		"skipped":      state.Skipped,
		"deferred":     state.Deferred,
	}
	if !state.LastSuccess.IsZero() {
		fields["last_success"] = state.LastSuccess.Format(time.RFC3339)
	}

	pipe := t.client.TxPipeline()
	if state.LastError != "" {
		fields["last_error"] = state.LastError
	} else {
		pipe.HDel(ctx, stateKey, "last_error")
	}
	pipe.HSet(ctx, stateKey, fields)
	_, err := pipe.Exec(ctx)
	return err
}

func (t *Trigger) incrementRunCount(ctx context.Context) int64 {
	count, err := t.client.HIncrBy(ctx, stateKey, "run_count", 1).Result()
	if err != nil {
		t.log.Error("Failed to increment run count", "error", err)
		return 0
	}
	return count
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
