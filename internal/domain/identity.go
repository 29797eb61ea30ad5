package domain

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// CacheKey derives the content-address used for cache directories and segment files.
// The same input always maps to the same 16 hex characters, so re-downloading a
// target reuses whatever segments are already on disk.
func CacheKey(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}
