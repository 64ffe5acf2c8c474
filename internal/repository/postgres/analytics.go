package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

var _ store.AnalyticsStore = (*Store)(nil)

// MessageStatsByStep counts message logs per step. Delivered, opened and
// clicked are the rows with the matching timestamp set.
func (s *Store) MessageStatsByStep(ctx context.Context, campaignID string) (map[string]domain.MessageStats, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT step_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'SENT'),
		       COUNT(delivered_at),
		       COUNT(*) FILTER (WHERE status = 'FAILED'),
		       COUNT(opened_at),
		       COUNT(clicked_at)
		FROM message_logs
		WHERE campaign_id = $1
		GROUP BY step_id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.MessageStats)
	for rows.Next() {
		var stepID string
		var st domain.MessageStats
		if err := rows.Scan(&stepID, &st.Total, &st.Sent, &st.Delivered, &st.Failed, &st.Opened, &st.Clicked); err != nil {
			return nil, fmt.Errorf("scan message stats: %w", err)
		}
		out[stepID] = st
	}
	return out, rows.Err()
}

func (s *Store) EnrollmentCounts(ctx context.Context, campaignID string) (map[domain.EnrollmentStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM enrollments
		WHERE campaign_id = $1
		GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("enrollment counts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EnrollmentStatus]int)
	for rows.Next() {
		var status domain.EnrollmentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan enrollment counts: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) Timeline(ctx context.Context, campaignID string, from, to time.Time) ([]domain.TimelinePoint, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT date_trunc('day', sent_at AT TIME ZONE 'UTC') AS day,
		       COUNT(*), COUNT(delivered_at), COUNT(opened_at), COUNT(clicked_at)
		FROM message_logs
		WHERE campaign_id = $1 AND sent_at >= $2 AND sent_at < $3
		GROUP BY day
		ORDER BY day`, campaignID, from, to)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer rows.Close()

	var out []domain.TimelinePoint
	for rows.Next() {
		var p domain.TimelinePoint
		if err := rows.Scan(&p.Date, &p.Sent, &p.Delivered, &p.Opened, &p.Clicked); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		p.Date = time.Date(p.Date.Year(), p.Date.Month(), p.Date.Day(), 0, 0, 0, 0, time.UTC)
		out = append(out, p)
	}
	return out, rows.Err()
}
