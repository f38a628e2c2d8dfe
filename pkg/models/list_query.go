package models

// ListQuery selects a page of stored records, newest first.
type ListQuery struct {
	Limit  int
	Offset int
	// Grade, when set, keeps only records whose grade contains it (case-insensitive).
	Grade string
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalized clamps Limit and Offset into the accepted range.
func (q ListQuery) Normalized() ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
