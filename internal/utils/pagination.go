// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty
// or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a 1-based page window over a listing.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads page and size query values. Missing or non-positive
// values fall back to page 1 and defSize; size is capped at maxSize.
func ParsePage(page, size string, defSize, maxSize int) Page {
	p := Page{Number: AtoiDefault(page, 1), Size: AtoiDefault(size, defSize)}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defSize
	}
	if p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Offset is the number of rows before this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of this size cover total rows.
func (p Page) TotalPages(total int64) int {
	if p.Size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}

// HasNext reports whether rows remain after this page.
func (p Page) HasNext(total int64) bool {
	return int64(p.Offset()+p.Size) < total
}
