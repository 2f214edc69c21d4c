package entity

import (
	"testing"
	"time"
)

// --- Test: bucket floor semantics ---

func TestBucketStart(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		offset time.Duration
		want   time.Duration
	}{
		{0, 0},
		{1 * time.Millisecond, 0},
		{499 * time.Millisecond, 0},
		{500 * time.Millisecond, 500 * time.Millisecond}, // boundary goes to the later bucket
		{999 * time.Millisecond, 500 * time.Millisecond},
		{1250 * time.Millisecond, 1000 * time.Millisecond},
	}
	for _, tc := range cases {
		got := BucketStart(start, start.Add(tc.offset))
		if !got.Equal(start.Add(tc.want)) {
			t.Errorf("BucketStart(+%v) = %v, want start+%v", tc.offset, got, tc.want)
		}
	}
}

// --- Test: point id determinism ---

func TestPointID(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	a := PointID("sess-1", start)
	b := PointID("sess-1", start)
	if a != b {
		t.Errorf("same inputs gave different ids: %s vs %s", a, b)
	}
	if PointID("sess-2", start) == a {
		t.Errorf("different sessions share a point id")
	}
	if PointID("sess-1", start.Add(500*time.Millisecond)) == a {
		t.Errorf("different buckets share a point id")
	}
}

// --- Test: timestamp round trip ---

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589123000, time.UTC)
	formatted := FormatTimestamp(ts)

	parsed, err := ParseTimestamp(formatted)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q): %v", formatted, err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("round trip %v -> %q -> %v", ts, formatted, parsed)
	}
	if parsed.Location() != time.UTC {
		t.Errorf("parsed location = %v, want UTC", parsed.Location())
	}
}
