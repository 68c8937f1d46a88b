// Package cache memoizes read results per role group for a short, fixed TTL.
// Entries are keyed by group and a deterministic signature of the operation.
package cache

import "time"

// DefaultTTL is how long a read result stays servable.
const DefaultTTL = 60 * time.Second

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Evicted int64   `json:"evicted"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// KeyGenerator builds cache keys from a group and an operation signature.
type KeyGenerator interface {
	Generate(group string, signature []byte) string
}
