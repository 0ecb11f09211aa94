// Package utils provides small helpers for parsing request parameters.
package utils

import "strconv"

// AtoiDefault parses s as a decimal int, returning def when s is empty or
// not a valid int.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page parses limit and offset query values. A missing, invalid or
// non-positive limit becomes def; limit is capped at max; a negative offset
// becomes 0.
func Page(limitStr, offsetStr string, def, max int) (limit, offset int) {
	limit = AtoiDefault(limitStr, def)
	if limit <= 0 {
		limit = def
	}
	if max > 0 && limit > max {
		limit = max
	}
	offset = AtoiDefault(offsetStr, 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
