package engine

import (
	"context"
	"time"

	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
)

// guard resolves the slot of a creating run, then runs the duplicate check
// under a short-lived lock per (account, kind, slot). The lock stays held
// until release is called, so no other rule or job resolving to the same slot
// can interleave its check and create with this one. A held lock is reported
// as a precondition.
func (e *Engine) guard(ctx context.Context, c Creator, t *Target) (release func(), existing string, err error) {
	slot, err := c.ResolveSlot(ctx, t)
	if err != nil {
		return nil, "", err
	}

	key := lock.GuardKey(t.AccountID, string(t.Kind), slot)
	lease, err := e.locker.TryAcquire(ctx, key, e.opts.GuardLockTTL)
	if err != nil {
		return nil, "", perrors.Wrap(perrors.KindTransient, err, "failed to take guard lock")
	}
	if lease == nil {
		return nil, "", perrors.New(perrors.KindPrecondition, "run in progress for %s slot %s", t.Kind, slot)
	}

	release = func() {
		// release must happen even when the run's context is done
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			e.log.WarnContext(ctx, "Failed to release guard lock", "key", key, "error", err)
		}
	}

	existing, err = c.FindCollision(ctx, t)
	return release, existing, err
}
