package api

import (
	"math"
	"net/http"
	"strconv"
)

const maxPage = 1000000

// PaginationParams holds pagination query parameters
type PaginationParams struct {
	Page  int `json:"page"`  // 1-based page number
	Limit int `json:"limit"` // Items per page
}

// PaginationResponse is a generic paginated response wrapper
type PaginationResponse struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// ParsePaginationParams reads ?page= and ?limit=. Invalid values fall back
// to the defaults; limit is capped at maxLimit.
func ParsePaginationParams(r *http.Request, defaultLimit int, maxLimit int) PaginationParams {
	params := PaginationParams{Page: 1, Limit: defaultLimit}

	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		params.Page = min(p, maxPage)
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		params.Limit = min(l, maxLimit)
	}
	return params
}

// CalculateOffset converts page and limit to a row offset
func (p PaginationParams) CalculateOffset() int {
	pages := p.Page - 1
	if pages <= 0 {
		return 0
	}
	if p.Limit > 0 && pages > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return pages * p.Limit
}

// NewPaginationResponse creates a paginated response
func NewPaginationResponse(items interface{}, total int64, page int, limit int) PaginationResponse {
	totalPages := 1
	if limit > 0 {
		totalPages = max(int(math.Ceil(float64(total)/float64(limit))), 1)
	}
	return PaginationResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}
}
