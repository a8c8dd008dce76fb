// Package normalizer turns raw feed records into liquidation events.
package normalizer

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"liqflow/internal/models"
)

const (
	liquidationType = "liquidation"

	// timestamps below this are in seconds
	secondsThreshold = 1e12
	// largest millisecond count an int64 holds; later values saturate
	maxMillis = float64(math.MaxInt64)
)

// amountFields are checked in order; the first present, non-null one is used.
var amountFields = []string{"usd_amount", "usdValue", "amount_usd"}

// Normalize keeps the liquidation records of a batch that carry a usable USD
// amount. Records without a usable timestamp are stamped with now. The output
// preserves input order.
func Normalize(records []models.RawTrade, now time.Time) []models.LiquidationEvent {
	events := make([]models.LiquidationEvent, 0, len(records))
	for _, rec := range records {
		if ev, ok := NormalizeRecord(rec, now); ok {
			events = append(events, ev)
		}
	}
	return events
}

// NormalizeRecord validates one record. It is pure given now.
func NormalizeRecord(rec models.RawTrade, now time.Time) (models.LiquidationEvent, bool) {
	if rec == nil || !isLiquidation(rec) {
		return models.LiquidationEvent{}, false
	}

	raw, ok := rawAmount(rec)
	if !ok {
		return models.LiquidationEvent{}, false
	}
	amount, ok := parseNumber(raw)
	if !ok || amount <= 0 {
		return models.LiquidationEvent{}, false
	}

	return models.LiquidationEvent{
		USDAmount: amount,
		Timestamp: parseTimestamp(rec["timestamp"], now),
	}, true
}

// Fingerprint returns the raw text of the first record's USD amount, or "" when
// the batch is empty or the first record has no amount.
func Fingerprint(records []models.RawTrade) string {
	if len(records) == 0 || records[0] == nil {
		return ""
	}
	raw, ok := rawAmount(records[0])
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func isLiquidation(rec models.RawTrade) bool {
	var typ string
	if err := json.Unmarshal(rec["type"], &typ); err != nil {
		return false
	}
	return typ == liquidationType
}

func rawAmount(rec models.RawTrade) (json.RawMessage, bool) {
	for _, field := range amountFields {
		raw, ok := rec[field]
		if !ok || isNull(raw) {
			continue
		}
		return raw, true
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// parseNumber accepts a JSON number or a JSON string holding a number.
func parseNumber(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	text := string(bytes.TrimSpace(raw))
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = strings.TrimSpace(s)
	}
	if text == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	v, ok := parseNumber(raw)
	if !ok || v <= 0 {
		return now
	}
	if v < secondsThreshold {
		v *= 1000
	}
	if v >= maxMillis {
		return time.UnixMilli(math.MaxInt64).UTC()
	}
	return time.UnixMilli(int64(v)).UTC()
}
