package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

// GetMember reads the member projection the membership service keeps in
// the members table.
func (s *Store) GetMember(ctx context.Context, id string) (*domain.Member, error) {
	m := &domain.Member{}
	err := s.q.QueryRowContext(ctx, `
		SELECT id, first_name_en, COALESCE(first_name_ar,''), COALESCE(last_name_en,''),
		       COALESCE(last_name_ar,''), COALESCE(email,''), COALESCE(phone,''), COALESCE(language,'en')
		FROM members WHERE id = $1
	`, id).Scan(
		&m.ID, &m.FirstName.EN, &m.FirstName.AR, &m.LastName.EN,
		&m.LastName.AR, &m.Email, &m.Phone, &m.Language,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}
