// Package utils provides small helpers shared by the HTTP layer.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a bounded page request.
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// ParsePage parses page and page_size query values. page is at least 1 and
// page_size is kept in [1, max]; missing values use 1 and def.
func ParsePage(page, pageSize string, def, max int) Page {
	p := AtoiDefault(page, 1)
	if p < 1 {
		p = 1
	}
	n := AtoiDefault(pageSize, def)
	if n < 1 {
		n = 1
	}
	if max > 0 && n > max {
		n = max
	}
	return Page{Page: p, PageSize: n}
}

// Bounds returns the half-open slice window [lo, hi) of p over total items.
// Pages past the end yield an empty window.
func (p Page) Bounds(total int) (lo, hi int) {
	lo = (p.Page - 1) * p.PageSize
	if lo > total {
		lo = total
	}
	hi = lo + p.PageSize
	if hi > total {
		hi = total
	}
	return lo, hi
}

// HasNext reports whether items remain after p.
func (p Page) HasNext(total int) bool {
	return p.Page*p.PageSize < total
}
