// Package distlock provides the leases that keep scheduler passes and
// trigger jobs single-instance when several workers share one database.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liyaqa/drip-engine/internal/pkg/logger"
)

var log = logger.Named("distlock")

// ErrNotAcquired is returned by RunExclusive when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another instance")

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// NewLease creates a lock that expires after ttl on its own. Unlike NewLock
// the PostgreSQL fallback is a row in job_leases rather than a session
// advisory lock, so it survives the holder's connection. Use it with RunOnce.
func NewLease(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGLeaseLock(db, key, ttl)
}

// Extender is implemented by locks that expire unless refreshed.
type Extender interface {
	// Extend pushes the expiry out to ttl. It fails once the lock is no
	// longer owned.
	Extend(ctx context.Context, ttl time.Duration) error
	// TTL is the lease length the lock was created with.
	TTL() time.Duration
}

// RunExclusive runs fn while holding lock. It returns ErrNotAcquired without
// calling fn when the lock is taken. A lock implementing Extender is
// refreshed every third of its TTL while fn runs; if a refresh finds the lock
// lost, fn's context is cancelled. The lock is released with a fresh context
// so a cancelled ctx does not leak it.
func RunExclusive(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) error {
	return run(ctx, lock, fn, false)
}

// RunOnce is RunExclusive for work that must happen at most once per lock
// key: after fn succeeds the lock is kept until it expires, so later
// callers get ErrNotAcquired. When fn fails the lock is released so the
// work can be retried. Keys should carry the period they cover, such as a
// date.
func RunOnce(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) error {
	return run(ctx, lock, fn, true)
}

func run(ctx context.Context, lock DistLock, fn func(ctx context.Context) error, keepOnSuccess bool) error {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := heartbeat(runCtx, lock, cancel)

	err = fn(runCtx)
	stopHeartbeat()

	if keepOnSuccess && err == nil {
		return nil
	}
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	lock.Release(rctx)
	return err
}

// heartbeat refreshes an expiring lock until the returned stop func is
// called. lost is invoked when the lock can no longer be extended.
func heartbeat(ctx context.Context, lock DistLock, lost func()) (stop func()) {
	ext, ok := lock.(Extender)
	if !ok || ext.TTL() <= 0 {
		return func() {}
	}
	ttl := ext.TTL()
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, ttl); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("lease lost, cancelling run", "error", err)
					lost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lock pins one pooled
// connection between Acquire and Release. The lock is released by Postgres
// if that connection drops.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte("drip:" + key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d already held by this instance", l.lockID)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns the pinned connection.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
