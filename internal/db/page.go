package db

import "gorm.io/gorm"

// Paging defaults for list endpoints.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a window of a list query.
type Page struct {
	Page  int `form:"page,default=1"`   // Page number, 1-based.
	Limit int `form:"limit,default=20"` // Page size.
}

// Normalize clamps the page into the supported range.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

// Apply adds OFFSET/LIMIT to q.
func (p Page) Apply(q *gorm.DB) *gorm.DB {
	n := p.Normalize()
	return q.Offset(n.Offset()).Limit(n.Limit)
}
