package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

const messageColumns = `id, campaign_id, step_id, enrollment_id, member_id, channel, status,
	sent_at, delivered_at, opened_at, clicked_at,
	COALESCE(provider_message_id,''), COALESCE(failure_reason,''), created_at`

func scanMessageLog(row rowScanner) (*domain.MessageLog, error) {
	m := &domain.MessageLog{}
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.StepID, &m.EnrollmentID, &m.MemberID, &m.Channel, &m.Status,
		&m.SentAt, &m.DeliveredAt, &m.OpenedAt, &m.ClickedAt,
		&m.ProviderMessageID, &m.FailureReason, &m.CreatedAt,
	)
	return m, err
}

func (s *Store) CreateMessageLog(ctx context.Context, m *domain.MessageLog) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO message_logs
			(id, campaign_id, step_id, enrollment_id, member_id, channel, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.CampaignID, m.StepID, m.EnrollmentID, m.MemberID, m.Channel, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message log: %w", err)
	}
	return nil
}

func (s *Store) GetMessageLog(ctx context.Context, id string) (*domain.MessageLog, error) {
	m, err := scanMessageLog(s.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_logs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message log: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessageLogs(ctx context.Context, enrollmentID string) ([]domain.MessageLog, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE enrollment_id = $1
		ORDER BY created_at, id`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list message logs: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageLog
	for rows.Next() {
		m, err := scanMessageLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMessageLog writes status and timestamps. Engagement timestamps are
// only ever filled, never cleared or moved.
func (s *Store) UpdateMessageLog(ctx context.Context, m *domain.MessageLog) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE message_logs
		SET status = $2, sent_at = $3, delivered_at = COALESCE(delivered_at, $4),
		    opened_at = COALESCE(opened_at, $5), clicked_at = COALESCE(clicked_at, $6),
		    provider_message_id = $7, failure_reason = $8
		WHERE id = $1
	`, m.ID, m.Status, m.SentAt, m.DeliveredAt, m.OpenedAt, m.ClickedAt,
		nullString(m.ProviderMessageID), nullString(m.FailureReason))
	if err != nil {
		return fmt.Errorf("update message log: %w", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}
