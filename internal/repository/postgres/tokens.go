package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

const tokenColumns = `token, message_log_id, type, COALESCE(target_url,''), triggered, triggered_at,
	COALESCE(user_agent,''), COALESCE(ip_address,''), created_at`

func scanToken(row rowScanner) (*domain.TrackingToken, error) {
	t := &domain.TrackingToken{}
	err := row.Scan(
		&t.Token, &t.MessageLogID, &t.Type, &t.TargetURL, &t.Triggered, &t.TriggeredAt,
		&t.UserAgent, &t.IPAddress, &t.CreatedAt,
	)
	return t, err
}

// CreateTokens inserts all tokens of one message.
func (s *Store) CreateTokens(ctx context.Context, tokens []domain.TrackingToken) error {
	for _, t := range tokens {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO tracking_tokens (token, message_log_id, type, target_url, triggered, created_at)
			VALUES ($1, $2, $3, $4, false, $5)
		`, t.Token, t.MessageLogID, t.Type, nullString(t.TargetURL), t.CreatedAt)
		if err != nil {
			return fmt.Errorf("create tracking token: %w", err)
		}
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, token string) (*domain.TrackingToken, error) {
	t, err := scanToken(s.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tracking_tokens WHERE token = $1`, token))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracking token: %w", err)
	}
	return t, nil
}

func (s *Store) ListTokens(ctx context.Context, messageLogID string) ([]domain.TrackingToken, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+tokenColumns+`
		FROM tracking_tokens
		WHERE message_log_id = $1
		ORDER BY type DESC, target_url`, messageLogID)
	if err != nil {
		return nil, fmt.Errorf("list tracking tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.TrackingToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking token: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarkTriggered flips the token to triggered with the first requester's
// details. Only one of several concurrent callers gets true.
func (s *Store) MarkTriggered(ctx context.Context, t *domain.TrackingToken) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tracking_tokens
		SET triggered = true, triggered_at = $2, user_agent = $3, ip_address = $4
		WHERE token = $1 AND triggered = false
	`, t.Token, t.TriggeredAt, nullString(t.UserAgent), nullString(t.IPAddress))
	if err != nil {
		return false, fmt.Errorf("mark token triggered: %w", err)
	}
	if affected(res) == 1 {
		return true, nil
	}
	var exists bool
	if err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tracking_tokens WHERE token = $1)`, t.Token).Scan(&exists); err != nil {
		return false, fmt.Errorf("check tracking token: %w", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}
