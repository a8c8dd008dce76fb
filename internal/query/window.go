// Package query answers trailing-window questions over the minute buckets.
package query

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"liqflow/internal/bucket"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/store"
	"liqflow/logger"
)

type Service struct {
	counter   store.Counter
	legacyKey string
	now       func() time.Time
	log       *logger.Log
}

// NewService builds a query service. An empty legacyKey skips the legacy
// aggregate during resets.
func NewService(counter store.Counter, legacyKey string) *Service {
	return &Service{
		counter:   counter,
		legacyKey: strings.TrimSpace(legacyKey),
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

// WithClock replaces the clock used to anchor windows.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SumLastNHours sums the minute buckets of the trailing window and rounds to
// two decimal places. Missing and non-numeric values count as zero and failed
// chunks are skipped, so the result may undercount, down to zero when the store
// is unreachable. Only a cancelled or expired ctx is returned as an error.
func (s *Service) SumLastNHours(ctx context.Context, hours int) (decimal.Decimal, error) {
	keys := bucket.LastN(hours*60, s.now())
	if len(keys) == 0 {
		return decimal.Zero, nil
	}

	values, err := s.counter.MGet(ctx, keys)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decimal.Zero, fmt.Errorf("sum last %dh: %w", hours, ctxErr)
		}
		failed := store.FailedChunks(err)
		metrics.AddStoreChunkFailures("mget", failed)
		s.log.WithComponent("query_service").WithError(err).WithFields(logger.Fields{
			"hours":         hours,
			"failed_chunks": failed,
		}).Warn("window sum is partial")
	}

	total := decimal.Zero
	present := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(*v), 64)
		if perr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		total = total.Add(decimal.NewFromFloat(f))
		present++
	}

	s.log.WithComponent("query_service").WithFields(logger.Fields{
		"hours":           hours,
		"keys":            len(keys),
		"present_buckets": present,
	}).Debug("window sum computed")

	return total.Round(2), nil
}

// Total24h is the sum over the read window.
func (s *Service) Total24h(ctx context.Context) (decimal.Decimal, error) {
	return s.SumLastNHours(ctx, bucket.ReadWindowMinutes/60)
}

// ResetKeys lists what ResetCache deletes: the reset window and the legacy key.
func (s *Service) ResetKeys() []string {
	keys := bucket.LastN(bucket.ResetWindowMinutes, s.now())
	seen := make(map[string]struct{}, len(keys)+1)
	out := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if s.legacyKey != "" {
		if _, ok := seen[s.legacyKey]; !ok {
			out = append(out, s.legacyKey)
		}
	}
	return out
}

// ResetCache deletes the reset window and the legacy key and returns how many
// keys the store actually removed. Failed chunks leave a partial count, zero
// when the store is unreachable. Only a cancelled or expired ctx is returned as
// an error.
func (s *Service) ResetCache(ctx context.Context) (int64, error) {
	keys := s.ResetKeys()
	deleted, err := s.counter.Del(ctx, keys)

	entry := s.log.WithComponent("query_service").WithFields(logger.Fields{
		"keys":    len(keys),
		"deleted": deleted,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return deleted, fmt.Errorf("reset cache: %w", ctxErr)
		}
		metrics.AddStoreChunkFailures("del", store.FailedChunks(err))
		entry.WithError(err).Warn("cache reset incomplete")
		return deleted, nil
	}
	entry.Info("cache reset")
	return deleted, nil
}
