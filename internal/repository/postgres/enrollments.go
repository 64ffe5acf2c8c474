package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

const enrollmentColumns = `e.id, e.campaign_id, e.member_id, e.status, e.current_step, e.next_step_due_at,
	e.ab_group, COALESCE(e.trigger_reference_id,''), COALESCE(e.trigger_reference_type,''),
	e.enrolled_at, e.completed_at, e.cancelled_at, e.version`

func scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	e := &domain.Enrollment{}
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.MemberID, &e.Status, &e.CurrentStep, &e.NextStepDueAt,
		&e.ABGroup, &e.TriggerReferenceID, &e.TriggerReferenceType,
		&e.EnrolledAt, &e.CompletedAt, &e.CancelledAt, &e.Version,
	)
	return e, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateEnrollment inserts e. The partial unique index on
// (campaign_id, member_id) WHERE status = 'ACTIVE' turns a racing second
// enrollment into ErrDuplicateActive.
func (s *Store) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO enrollments
			(id, campaign_id, member_id, status, current_step, next_step_due_at, ab_group,
			 trigger_reference_id, trigger_reference_type, enrolled_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.CampaignID, e.MemberID, e.Status, e.CurrentStep, e.NextStepDueAt, e.ABGroup,
		nullString(e.TriggerReferenceID), nullString(e.TriggerReferenceType), e.EnrolledAt, e.Version)
	if isUniqueViolation(err) {
		return store.ErrDuplicateActive
	}
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

func (s *Store) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.q.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments e WHERE e.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (s *Store) ExistsActive(ctx context.Context, campaignID, memberID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM enrollments
			WHERE campaign_id = $1 AND member_id = $2 AND status = 'ACTIVE'
		)`, campaignID, memberID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return exists, nil
}

func (s *Store) ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]domain.Enrollment, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE campaign_id = $1`, campaignID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		WHERE e.campaign_id = $1
		ORDER BY e.enrolled_at DESC, e.id
		LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

// ListDue returns ACTIVE enrollments due at or before now, oldest due first.
// Enrollments of PAUSED campaigns are held back.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		LEFT JOIN campaigns c ON c.id = e.campaign_id
		WHERE e.status = 'ACTIVE'
		  AND e.next_step_due_at <= $1
		  AND (c.status IS NULL OR c.status <> 'PAUSED')
		ORDER BY e.next_step_due_at, e.id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ClaimDue locks one due enrollment for the surrounding transaction. A row
// already locked by another worker, or no longer due, yields ErrNotFound.
func (s *Store) ClaimDue(ctx context.Context, id string, now time.Time) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.q.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		WHERE e.id = $1 AND e.status = 'ACTIVE' AND e.next_step_due_at <= $2
		FOR UPDATE SKIP LOCKED`, id, now))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim enrollment: %w", err)
	}
	return e, nil
}

// UpdateEnrollment writes e when its version still matches the stored row
// and bumps e.Version on success.
func (s *Store) UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE enrollments
		SET status = $2, current_step = $3, next_step_due_at = $4, ab_group = $5,
		    completed_at = $6, cancelled_at = $7, version = version + 1
		WHERE id = $1 AND version = $8
	`, e.ID, e.Status, e.CurrentStep, e.NextStepDueAt, e.ABGroup, e.CompletedAt, e.CancelledAt, e.Version)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if affected(res) == 0 {
		var exists bool
		if err := s.q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM enrollments WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check enrollment: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	e.Version++
	return nil
}
