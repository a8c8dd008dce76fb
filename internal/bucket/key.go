// Package bucket derives the counter store keys for one-minute liquidation buckets.
package bucket

import (
	"fmt"
	"time"
)

const (
	// Prefix is shared by every minute bucket key.
	Prefix = "liq:"

	// ReadWindowMinutes is the trailing window summed by the query path.
	ReadWindowMinutes = 24 * 60
	// ResetWindowMinutes is the window cleared by a cache reset.
	ResetWindowMinutes = 48 * 60

	// TTL is refreshed on every write; one hour longer than the read window.
	TTL = 25 * time.Hour
)

// Key returns the bucket key for the UTC minute containing t, e.g. liq:202401020304.
func Key(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s%04d%02d%02d%02d%02d", Prefix, u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute())
}

// LastN returns the keys for now, now-1m, ... now-(n-1)m, most recent first.
func LastN(n int, now time.Time) []string {
	if n <= 0 {
		return []string{}
	}
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = Key(now.Add(-time.Duration(i) * time.Minute))
	}
	return keys
}
