package clix

import (
	"fmt"

	"github.com/spf13/pflag"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads --limit and --offset. A non-positive limit means the
// default; limits above MaxLimit are rejected.
func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		return PaginationParams{}, fmt.Errorf("--limit must be at most %d, got %d", MaxLimit, limit)
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}
