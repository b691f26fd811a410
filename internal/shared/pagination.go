package shared

import "math"

// DefaultPerPage bounds listings when callers do not ask for a page size.
const DefaultPerPage = 20

// Pagination carries listing metadata back to API clients.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes pagination metadata from a 1-based page.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Offset converts the page/per-page pair into a query offset.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}
