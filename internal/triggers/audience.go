package triggers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
)

// Query selects (member_id, reference_id) rows for a trigger. $1 is the
// run date. When UsesDays is set, $2 is the trigger's days value.
type Query struct {
	SQL      string `yaml:"sql"`
	UsesDays bool   `yaml:"uses_days"`
}

// DefaultQueries read the membership and billing tables shared with the
// rest of the platform.
func DefaultQueries() map[domain.TriggerType]Query {
	return map[domain.TriggerType]Query{
		domain.TriggerDaysBeforeExpiry: {
			SQL: `SELECT member_id, id FROM subscriptions
				WHERE status = 'ACTIVE' AND end_date = $1::date + $2::int
				ORDER BY id LIMIT 1000`,
			UsesDays: true,
		},
		domain.TriggerDaysAfterExpiry: {
			SQL: `SELECT member_id, id FROM subscriptions
				WHERE status = 'EXPIRED' AND end_date = $1::date - $2::int
				ORDER BY id LIMIT 1000`,
			UsesDays: true,
		},
		domain.TriggerBirthday: {
			SQL: `SELECT id, '' FROM members
				WHERE date_of_birth IS NOT NULL
				  AND EXTRACT(MONTH FROM date_of_birth) = EXTRACT(MONTH FROM $1::date)
				  AND EXTRACT(DAY FROM date_of_birth) = EXTRACT(DAY FROM $1::date)
				ORDER BY id`,
		},
		domain.TriggerDaysInactive: {
			SQL: `SELECT m.id, '' FROM members m
				WHERE m.status = 'ACTIVE'
				  AND NOT EXISTS (
					SELECT 1 FROM attendance a
					WHERE a.member_id = m.id AND a.check_in_time >= $1::date - $2::int
				  )
				ORDER BY m.id LIMIT 5000`,
			UsesDays: true,
		},
		domain.TriggerMemberCreated: {
			SQL: `SELECT id, '' FROM members
				WHERE status = 'ACTIVE' AND created_at >= $1::date AND created_at < $1::date + 1
				ORDER BY id LIMIT 1000`,
		},
		domain.TriggerPaymentFailed: {
			SQL: `SELECT member_id, id FROM invoices
				WHERE status = 'OVERDUE'
				ORDER BY issued_at, id LIMIT 1000`,
		},
	}
}

// SQLAudience resolves audiences with per-trigger SQL queries.
type SQLAudience struct {
	db      *sql.DB
	queries map[domain.TriggerType]Query
}

// NewSQLAudience creates an audience source. Entries in overrides replace
// the default query of their trigger.
func NewSQLAudience(db *sql.DB, overrides map[domain.TriggerType]Query) *SQLAudience {
	q := DefaultQueries()
	for k, v := range overrides {
		q[k] = v
	}
	return &SQLAudience{db: db, queries: q}
}

func (a *SQLAudience) Audience(ctx context.Context, trigger domain.TriggerType, days int, on time.Time) ([]Candidate, error) {
	q, ok := a.queries[trigger]
	if !ok {
		return nil, fmt.Errorf("no audience query for trigger %s", trigger)
	}
	args := []interface{}{on.Format("2006-01-02")}
	if q.UsesDays {
		args = append(args, days)
	}

	rows, err := a.db.QueryContext(ctx, q.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s audience: %w", trigger, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.MemberID, &c.ReferenceID); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
