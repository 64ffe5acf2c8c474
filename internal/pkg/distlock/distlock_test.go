package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLockExclusive(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "process-due-steps", time.Minute)
	b := NewRedisLock(client, "process-due-steps", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// b does not own the lock, so its release is a no-op.
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresAndExtend(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "job", time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists(a.key), "extended lock should survive")

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists(a.key))
	assert.Error(t, a.Extend(ctx, time.Minute), "extend after expiry must fail")
}

func TestRunExclusiveSkipsWhenHeld(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "job", time.Minute)
	ok, _ := holder.Acquire(ctx)
	require.True(t, ok)

	called := false
	err := RunExclusive(ctx, NewRedisLock(client, "job", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.False(t, called)

	require.NoError(t, holder.Release(ctx))
	err = RunExclusive(ctx, NewRedisLock(client, "job", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "process-due-steps")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(lock.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockNotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "process-due-steps")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	// Nothing held, so release must not touch the database.
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunExclusiveHeartbeatExtendsLease(t *testing.T) {
	mr, client := newRedis(t)
	lock := NewRedisLock(client, "long-pass", 300*time.Millisecond)

	err := RunExclusive(context.Background(), lock, func(ctx context.Context) error {
		// Simulate the lease running low during a long pass.
		mr.SetTTL(lock.key, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL(lock.key) == 300*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond, "heartbeat should restore the full TTL")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(lock.key), "lock released after the run")
}

func TestRunExclusiveCancelsWhenLeaseLost(t *testing.T) {
	mr, client := newRedis(t)
	lock := NewRedisLock(client, "long-pass", 150*time.Millisecond)

	var cancelled bool
	err := RunExclusive(context.Background(), lock, func(ctx context.Context) error {
		mr.Del(lock.key)
		select {
		case <-ctx.Done():
			cancelled = true
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	assert.True(t, cancelled, "losing the lease must cancel the run")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunOnceKeepsLeaseOnSuccess(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	first := NewRedisLock(client, "trigger:birthday:2026-10-19", time.Hour)
	require.NoError(t, RunOnce(ctx, first, fn))
	assert.True(t, mr.Exists(first.key), "lease kept after success")

	err := RunOnce(ctx, NewRedisLock(client, "trigger:birthday:2026-10-19", time.Hour), fn)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Equal(t, 1, calls)

	mr.FastForward(time.Hour)
	require.NoError(t, RunOnce(ctx, NewRedisLock(client, "trigger:birthday:2026-10-19", time.Hour), fn))
	assert.Equal(t, 2, calls)
}

func TestRunOnceReleasesOnFailure(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "trigger:birthday:2026-10-19", time.Hour)
	err := RunOnce(ctx, lock, func(context.Context) error { return errors.New("audience query failed") })
	require.Error(t, err)
	assert.False(t, mr.Exists(lock.key), "failed run must free the lease for a retry")
}

func TestPGLeaseLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGLeaseLock(db, "trigger:birthday:2026-10-19", time.Hour)
	assert.Equal(t, time.Hour, lock.TTL())

	mock.ExpectExec(`INSERT INTO job_leases`).
		WithArgs(lock.key, lock.owner, float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE job_leases SET expires_at`).
		WithArgs(lock.key, lock.owner, float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM job_leases WHERE key = \$1 AND owner = \$2`).
		WithArgs(lock.key, lock.owner).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Extend(ctx, time.Hour))
	require.NoError(t, lock.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLeaseLockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGLeaseLock(db, "trigger:birthday:2026-10-19", time.Hour)
	mock.ExpectExec(`INSERT INTO job_leases`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE job_leases`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, lock.Extend(context.Background(), time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}
