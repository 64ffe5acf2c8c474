package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

const campaignColumns = `id, name, COALESCE(description,''), status, trigger_type, trigger_days,
	start_date, end_date, enrolled_count, completed_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.Status, &c.TriggerType, &c.TriggerConfig.Days,
		&c.StartDate, &c.EndDate, &c.EnrolledCount, &c.CompletedCount, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.q.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, f store.CampaignFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ""
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where = fmt.Sprintf(" WHERE status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	rows, err := s.q.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (s *Store) ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType, days int) ([]domain.Campaign, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'ACTIVE' AND trigger_type = $1 AND ($2 <= 0 OR trigger_days = $2)
		ORDER BY id`, trigger, days)
	if err != nil {
		return nil, fmt.Errorf("list campaigns by trigger: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, description, status, trigger_type, trigger_days, start_date, end_date,
			 enrolled_count, completed_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $9)
	`, c.ID, c.Name, c.Description, c.Status, c.TriggerType, c.TriggerConfig.Days,
		c.StartDate, c.EndDate, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (s *Store) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE campaigns
		SET name = $2, description = $3, trigger_type = $4, trigger_days = $5,
		    start_date = $6, end_date = $7, updated_at = $8
		WHERE id = $1
	`, c.ID, c.Name, c.Description, c.TriggerType, c.TriggerConfig.Days, c.StartDate, c.EndDate, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementEnrolled(ctx context.Context, id string, n int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE campaigns SET enrolled_count = enrolled_count + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("increment enrolled: %w", err)
	}
	return nil
}

func (s *Store) IncrementCompleted(ctx context.Context, id string, n int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE campaigns SET completed_count = completed_count + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("increment completed: %w", err)
	}
	return nil
}

// ArchiveCampaign flips the campaign and cancels its ACTIVE enrollments in
// one transaction. The campaign row is locked first so a concurrent claim
// of one of its enrollments waits or skips.
func (s *Store) ArchiveCampaign(ctx context.Context, id string, now time.Time) (int, error) {
	var cancelled int64
	err := s.inTx(ctx, func(txs *Store) error {
		res, err := txs.q.ExecContext(ctx,
			`UPDATE campaigns SET status = 'ARCHIVED', updated_at = $2 WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("archive campaign: %w", err)
		}
		if affected(res) == 0 {
			return store.ErrNotFound
		}
		res, err = txs.q.ExecContext(ctx, `
			UPDATE enrollments
			SET status = 'CANCELLED', next_step_due_at = NULL, cancelled_at = $2, version = version + 1
			WHERE campaign_id = $1 AND status = 'ACTIVE'
		`, id, now)
		if err != nil {
			return fmt.Errorf("cancel enrollments: %w", err)
		}
		cancelled = affected(res)
		return nil
	})
	return int(cancelled), err
}
