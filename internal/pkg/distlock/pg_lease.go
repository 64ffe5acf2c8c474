package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// PGLeaseLock is a TTL lease stored in the job_leases table. An expired row
// can be taken over by the next caller.
type PGLeaseLock struct {
	db    *sql.DB
	key   string
	owner string
	ttl   time.Duration
}

// NewPGLeaseLock creates a lease on key. Each instance gets its own owner
// token.
func NewPGLeaseLock(db *sql.DB, key string, ttl time.Duration) *PGLeaseLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &PGLeaseLock{db: db, key: "drip:lock:" + key, owner: hex.EncodeToString(b), ttl: ttl}
}

// TTL is the lease length set on Acquire.
func (l *PGLeaseLock) TTL() time.Duration { return l.ttl }

// Acquire inserts the lease row, or takes over a row whose lease has run out.
func (l *PGLeaseLock) Acquire(ctx context.Context) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO job_leases (key, owner, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at <= now()`,
		l.key, l.owner, l.ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the lease if this instance still owns it.
func (l *PGLeaseLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM job_leases WHERE key = $1 AND owner = $2`, l.key, l.owner)
	return err
}

// Extend pushes the lease expiry out to ttl. It fails when the lease has
// been taken over or deleted.
func (l *PGLeaseLock) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE job_leases SET expires_at = now() + $3 * interval '1 second'
		WHERE key = $1 AND owner = $2`,
		l.key, l.owner, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("extend lease %s: not owned", l.key)
	}
	return nil
}
