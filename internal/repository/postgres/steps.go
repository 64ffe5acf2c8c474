package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

const stepColumns = `id, campaign_id, step_number, name, channel,
	COALESCE(subject_en,''), COALESCE(subject_ar,''), body_en, COALESCE(body_ar,''),
	delay_days, delay_hours, is_active, is_ab_test, ab_variant, ab_split_percentage, created_at`

func scanStep(row rowScanner) (*domain.CampaignStep, error) {
	st := &domain.CampaignStep{}
	err := row.Scan(
		&st.ID, &st.CampaignID, &st.StepNumber, &st.Name, &st.Channel,
		&st.Subject.EN, &st.Subject.AR, &st.Body.EN, &st.Body.AR,
		&st.DelayDays, &st.DelayHours, &st.IsActive, &st.IsABTest, &st.ABVariant, &st.ABSplitPercentage, &st.CreatedAt,
	)
	return st, err
}

func (s *Store) querySteps(ctx context.Context, q string, args ...interface{}) ([]domain.CampaignStep, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Store) GetStep(ctx context.Context, id string) (*domain.CampaignStep, error) {
	st, err := scanStep(s.q.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM campaign_steps WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (s *Store) ListActiveSteps(ctx context.Context, campaignID string) ([]domain.CampaignStep, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM campaign_steps
		WHERE campaign_id = $1 AND is_active = true AND ab_variant = ''
		ORDER BY step_number`, campaignID)
}

func (s *Store) ListSteps(ctx context.Context, campaignID string) ([]domain.CampaignStep, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY step_number, ab_variant`, campaignID)
}

func (s *Store) ListVariants(ctx context.Context, campaignID string, stepNumber int) ([]domain.CampaignStep, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM campaign_steps
		WHERE campaign_id = $1 AND step_number = $2 AND is_active = true AND ab_variant <> ''
		ORDER BY ab_variant`, campaignID, stepNumber)
}

func (s *Store) CreateStep(ctx context.Context, st *domain.CampaignStep) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO campaign_steps
			(id, campaign_id, step_number, name, channel, subject_en, subject_ar, body_en, body_ar,
			 delay_days, delay_hours, is_active, is_ab_test, ab_variant, ab_split_percentage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, st.ID, st.CampaignID, st.StepNumber, st.Name, st.Channel,
		st.Subject.EN, st.Subject.AR, st.Body.EN, st.Body.AR,
		st.DelayDays, st.DelayHours, st.IsActive, st.IsABTest, st.ABVariant, st.ABSplitPercentage, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, st *domain.CampaignStep) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE campaign_steps
		SET name = $2, channel = $3, subject_en = $4, subject_ar = $5, body_en = $6, body_ar = $7,
		    delay_days = $8, delay_hours = $9
		WHERE id = $1
	`, st.ID, st.Name, st.Channel, st.Subject.EN, st.Subject.AR, st.Body.EN, st.Body.AR,
		st.DelayDays, st.DelayHours)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteStep removes a step number with its variants and closes the gap.
// The (campaign_id, step_number, ab_variant) constraint is deferred, so the
// renumbering may pass through transient duplicates.
func (s *Store) DeleteStep(ctx context.Context, campaignID string, stepNumber int) error {
	return s.inTx(ctx, func(txs *Store) error {
		res, err := txs.q.ExecContext(ctx,
			`DELETE FROM campaign_steps WHERE campaign_id = $1 AND step_number = $2`, campaignID, stepNumber)
		if err != nil {
			return fmt.Errorf("delete step: %w", err)
		}
		if affected(res) == 0 {
			return store.ErrNotFound
		}
		if _, err := txs.q.ExecContext(ctx, `
			UPDATE campaign_steps SET step_number = step_number - 1
			WHERE campaign_id = $1 AND step_number > $2
		`, campaignID, stepNumber); err != nil {
			return fmt.Errorf("renumber steps: %w", err)
		}
		return nil
	})
}
