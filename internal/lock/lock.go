// Package lock provides Redis-based distributed locks.
//
// Locks guard three critical sections: a scheduled tick (one process per
// sweep), an account's token refresh (read-modify-write of the token pair)
// and the duplicate-check-to-create window of a create-type rule.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by AcquireWait when the lock stayed held until the wait ran out
var ErrNotAcquired = errors.New("lock not acquired")

// ErrNotOwner is returned by Extend when the lock expired or was taken over
var ErrNotOwner = errors.New("lock no longer owned by this holder")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lease is a held lock
type Lease interface {
	Key() string
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out leases
type Locker interface {
	// TryAcquire returns a nil Lease (and nil error) when the key is already held
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// AcquireWait polls until the key is free, ctx is done, or wait elapses
	AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error)
}

// DistributedLock is a SETNX lock owned through a random token
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLock attempts to take key for ttl.
// Returns nil, nil if another holder has it.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{client: client, key: key, token: token, ttl: ttl}, nil
}

// Release deletes the key only if this holder still owns it
func (l *DistributedLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend resets the TTL if this holder still owns the key
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	l.ttl = ttl
	return nil
}

// Key returns the Redis key
func (l *DistributedLock) Key() string {
	return l.key
}

// Token returns the owner token
func (l *DistributedLock) Token() string {
	return l.token
}

// TTL returns the last requested time-to-live
func (l *DistributedLock) TTL() time.Duration {
	return l.ttl
}

// RedisLocker implements Locker on a single Redis client
type RedisLocker struct {
	client *redis.Client
	// PollInterval is how often AcquireWait retries
	PollInterval time.Duration
}

// NewRedisLocker creates a locker polling every 50ms
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, PollInterval: 50 * time.Millisecond}
}

// TryAcquire implements Locker
func (r *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := AcquireLock(ctx, r.client, key, ttl)
	if err != nil || l == nil {
		// a typed nil *DistributedLock must not leak into the interface
		return nil, err
	}
	return l, nil
}

// AcquireWait implements Locker
func (r *RedisLocker) AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		lease, err := r.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s held for more than %v", ErrNotAcquired, key, wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Key helpers shared by every process so they contend on the same names.

// TickKey is held by the process running a scheduled sweep
const TickKey = "sellerpilot:tick_lock"

// TokenRefreshKey serialises the refresh-and-persist step of one account
func TokenRefreshKey(accountID int64) string {
	return fmt.Sprintf("sellerpilot:token_refresh:%d", accountID)
}

// GuardKey covers the duplicate check and creation of one kind of entity in
// one external slot of an account
func GuardKey(accountID int64, kind, slot string) string {
	return fmt.Sprintf("sellerpilot:guard:%d:%s:%s", accountID, kind, slot)
}
