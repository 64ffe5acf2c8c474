package domain

import "strings"

// Member holds the fields of a club member used for personalization and
// delivery. Members are owned by the membership service.
type Member struct {
	ID        string        `json:"id"`
	FirstName LocalizedText `json:"first_name"`
	LastName  LocalizedText `json:"last_name"`
	Email     string        `json:"email"`
	Phone     string        `json:"phone"`
	Language  string        `json:"language"`
}

// FullName joins first and last name in the given language.
func (m *Member) FullName(lang string) string {
	return strings.TrimSpace(m.FirstName.Get(lang) + " " + m.LastName.Get(lang))
}
