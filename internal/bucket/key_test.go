package bucket

import (
	"testing"
	"time"
)

func TestKeyFormat(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 7, 9, 59, 999, time.UTC)
	if got := Key(ts); got != "liq:202403050709" {
		t.Fatalf("Key() = %q", got)
	}
}

func TestKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	local := time.Date(2024, time.January, 1, 3, 30, 0, 0, loc)
	if got := Key(local); got != "liq:202312312230" {
		t.Fatalf("Key() = %q, expected conversion to UTC", got)
	}
}

func TestKeyBeyondFourDigitYears(t *testing.T) {
	ts := time.Date(10000, time.January, 1, 0, 0, 0, 0, time.UTC)
	if got := Key(ts); got != "liq:1000001010000" {
		t.Fatalf("Key() = %q", got)
	}
}

func TestKeySameMinute(t *testing.T) {
	base := time.Date(2025, time.June, 30, 23, 59, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Second, 30 * time.Second, 59*time.Second + 999*time.Millisecond} {
		if Key(base) != Key(base.Add(offset)) {
			t.Fatalf("offset %s changed the key", offset)
		}
	}
	if Key(base) == Key(base.Add(time.Minute)) {
		t.Fatalf("adjacent minutes share a key")
	}
	if Key(base.Add(time.Minute)) != "liq:202507010000" {
		t.Fatalf("rollover key = %q", Key(base.Add(time.Minute)))
	}
}

func TestLastN(t *testing.T) {
	now := time.Date(2024, time.February, 29, 0, 1, 30, 0, time.UTC)
	keys := LastN(3, now)
	want := []string{"liq:202402290001", "liq:202402290000", "liq:202402282359"}
	if len(keys) != len(want) {
		t.Fatalf("len = %d, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestLastNWindows(t *testing.T) {
	now := time.Now()
	for _, n := range []int{ReadWindowMinutes, ResetWindowMinutes} {
		keys := LastN(n, now)
		if len(keys) != n {
			t.Fatalf("LastN(%d) returned %d keys", n, len(keys))
		}
		if keys[0] != Key(now) {
			t.Fatalf("first key %q != Key(now) %q", keys[0], Key(now))
		}
		seen := make(map[string]struct{}, n)
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				t.Fatalf("duplicate key %q in window of %d", k, n)
			}
			seen[k] = struct{}{}
		}
	}
	if got := LastN(0, now); len(got) != 0 {
		t.Fatalf("LastN(0) = %v", got)
	}
}
