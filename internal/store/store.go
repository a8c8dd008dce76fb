// Package store talks to the counter store that holds the minute buckets.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxKeysPerCall bounds multi-key requests so URLs and commands stay small and a
// failed call loses at most this many keys.
const MaxKeysPerCall = 200

var ErrMissingCredentials = errors.New("store: missing credentials")

// Value is a raw stored value; nil means the key is absent.
type Value = *string

// Counter is the subset of counter store operations the pipeline needs. No
// operation is retried.
type Counter interface {
	IncrByFloat(ctx context.Context, key string, amount float64) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (Value, error)
	// MGet always returns len(keys) values. Values of a failed chunk are nil
	// and the chunk errors are joined into the returned error.
	MGet(ctx context.Context, keys []string) ([]Value, error)
	// Del returns how many keys were deleted by the chunks that succeeded.
	Del(ctx context.Context, keys []string) (int64, error)
}

// StatusError is returned when the store answers with a non-success status.
type StatusError struct {
	Command    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("store %s: status %d", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("store %s: status %d: %s", e.Command, e.StatusCode, e.Message)
}

func chunks(keys []string, size int) [][]string {
	if size <= 0 {
		size = MaxKeysPerCall
	}
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}

func strValue(s string) Value {
	return &s
}

// FailedChunks reports how many chunk calls an MGet or Del error stands for.
func FailedChunks(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
