package normalizer

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
	"time"

	"liqflow/internal/models"
)

func trade(t *testing.T, s string) models.RawTrade {
	t.Helper()
	var rec models.RawTrade
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		t.Fatalf("bad fixture %s: %v", s, err)
	}
	return rec
}

func TestNormalizeRecord(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	ms := time.UnixMilli(1714564800123).UTC()

	cases := []struct {
		name   string
		record string
		ok     bool
		amount float64
		ts     time.Time
	}{
		{"string amount ms", `{"type":"liquidation","usd_amount":"1500.5","timestamp":1714564800123}`, true, 1500.5, ms},
		{"number amount seconds", `{"type":"liquidation","usd_amount":250,"timestamp":1714564800}`, true, 250, time.Unix(1714564800, 0).UTC()},
		{"fallback usdValue", `{"type":"liquidation","usdValue":"10","timestamp":"1714564800123"}`, true, 10, ms},
		{"fallback amount_usd after null", `{"type":"liquidation","usd_amount":null,"amount_usd":7.25}`, true, 7.25, now},
		{"missing timestamp", `{"type":"liquidation","usd_amount":"1"}`, true, 1, now},
		{"zero timestamp", `{"type":"liquidation","usd_amount":"1","timestamp":0}`, true, 1, now},
		{"negative timestamp", `{"type":"liquidation","usd_amount":"1","timestamp":-5}`, true, 1, now},
		{"garbage timestamp", `{"type":"liquidation","usd_amount":"1","timestamp":"soon"}`, true, 1, now},
		{"year 10000 kept", `{"type":"liquidation","usd_amount":"1","timestamp":253402300800000}`, true, 1, time.UnixMilli(253402300800000).UTC()},
		{"beyond int64 saturates", `{"type":"liquidation","usd_amount":"1","timestamp":1e300}`, true, 1, time.UnixMilli(math.MaxInt64).UTC()},
		{"not liquidation", `{"type":"trade","usd_amount":"100"}`, false, 0, time.Time{}},
		{"no type", `{"usd_amount":"100"}`, false, 0, time.Time{}},
		{"non numeric", `{"type":"liquidation","usd_amount":"abc"}`, false, 0, time.Time{}},
		{"nan", `{"type":"liquidation","usd_amount":"NaN"}`, false, 0, time.Time{}},
		{"zero amount", `{"type":"liquidation","usd_amount":"0"}`, false, 0, time.Time{}},
		{"negative amount", `{"type":"liquidation","usd_amount":-3}`, false, 0, time.Time{}},
		{"no amount", `{"type":"liquidation"}`, false, 0, time.Time{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := NormalizeRecord(trade(t, tc.record), now)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if ev.USDAmount != tc.amount {
				t.Fatalf("amount = %v, want %v", ev.USDAmount, tc.amount)
			}
			if !ev.Timestamp.Equal(tc.ts) {
				t.Fatalf("timestamp = %s, want %s", ev.Timestamp, tc.ts)
			}
		})
	}
}

func TestNormalizePreservesOrderAndIsPure(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	records := []models.RawTrade{
		trade(t, `{"type":"liquidation","usd_amount":"3","timestamp":1714564800000}`),
		trade(t, `{"type":"trade","usd_amount":"99"}`),
		nil,
		trade(t, `{"type":"liquidation","usd_amount":"1","timestamp":1714564700000}`),
		trade(t, `{"type":"liquidation","usd_amount":"2"}`),
	}

	first := Normalize(records, now)
	second := Normalize(records, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("normalize is not deterministic: %v vs %v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 events, got %d", len(first))
	}
	for i, want := range []float64{3, 1, 2} {
		if first[i].USDAmount != want {
			t.Fatalf("event %d amount = %v, want %v", i, first[i].USDAmount, want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	cases := []struct {
		name    string
		records []models.RawTrade
		want    string
	}{
		{"string", []models.RawTrade{trade(t, `{"usd_amount":"100.50"}`)}, "100.50"},
		{"number verbatim", []models.RawTrade{trade(t, `{"usd_amount":100.50}`)}, "100.50"},
		{"fallback field", []models.RawTrade{trade(t, `{"amount_usd":"7"}`)}, "7"},
		{"first record only", []models.RawTrade{trade(t, `{"usd_amount":"1"}`), trade(t, `{"usd_amount":"2"}`)}, "1"},
		{"non liquidation still counts", []models.RawTrade{trade(t, `{"type":"trade","usd_amount":"5"}`)}, "5"},
		{"no amount", []models.RawTrade{trade(t, `{"type":"liquidation"}`)}, ""},
		{"nil record", []models.RawTrade{nil}, ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		if got := Fingerprint(tc.records); got != tc.want {
			t.Errorf("%s: Fingerprint = %q, want %q", tc.name, got, tc.want)
		}
	}
}
