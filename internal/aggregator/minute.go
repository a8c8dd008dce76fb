// Package aggregator sums liquidation events into minute buckets.
package aggregator

import (
	"liqflow/internal/bucket"
	"liqflow/internal/models"
)

// GroupByMinute returns the USD total per bucket key.
func GroupByMinute(events []models.LiquidationEvent) map[string]float64 {
	totals := make(map[string]float64)
	for _, ev := range events {
		totals[bucket.Key(ev.Timestamp)] += ev.USDAmount
	}
	return totals
}
