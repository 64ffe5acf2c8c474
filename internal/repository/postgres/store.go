// Package postgres implements the store contracts against PostgreSQL using
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/liyaqa/drip-engine/internal/store"
)

var (
	_ store.CampaignStore   = (*Store)(nil)
	_ store.StepStore       = (*Store)(nil)
	_ store.EnrollmentStore = (*Store)(nil)
	_ store.MessageLogStore = (*Store)(nil)
	_ store.TrackingStore   = (*Store)(nil)
	_ store.MemberDirectory = (*Store)(nil)
	_ store.UnitOfWork      = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements every store interface. A Store returned by WithinTx is
// bound to that transaction.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// New creates a Postgres-backed store.
func New(db *sql.DB) *Store { return &Store{db: db, q: db} }

// Stores returns s behind every store interface.
func (s *Store) Stores() store.Stores {
	return store.Stores{Campaigns: s, Steps: s, Enrollments: s, Messages: s, Tokens: s}
}

// WithinTx runs fn in one transaction. A nested call joins the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st store.Stores) error) error {
	return s.inTx(ctx, func(txs *Store) error { return fn(ctx, txs.Stores()) })
}

func (s *Store) inTx(ctx context.Context, fn func(txs *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func affected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}
