package shared

import (
	"net/url"
	"strconv"
)

// Pagination is a page window over an ordered listing.
type Pagination struct {
	Page    int
	PerPage int
}

// NewPagination clamps page to >= 1 and perPage to [1, maxPerPage], using
// defaultPerPage when perPage is unset.
func NewPagination(page, perPage, defaultPerPage, maxPerPage int) Pagination {
	if defaultPerPage <= 0 {
		defaultPerPage = 20
	}
	if maxPerPage < defaultPerPage {
		maxPerPage = defaultPerPage
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	return Pagination{Page: page, PerPage: perPage}
}

// ParsePagination reads page and per_page from query values. Malformed
// values fall back to the defaults.
func ParsePagination(q url.Values, defaultPerPage, maxPerPage int) Pagination {
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return NewPagination(page, perPage, defaultPerPage, maxPerPage)
}

// Limit is the number of rows to fetch.
func (p Pagination) Limit() int { return p.PerPage }

// Offset is the number of rows to skip.
func (p Pagination) Offset() int { return (p.Page - 1) * p.PerPage }
