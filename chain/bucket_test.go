package chain

import (
	"testing"
	"time"
)

func TestRoundBucket(t *testing.T) {
	cases := []struct {
		ts   int64
		want int64
	}{
		{ts: 0, want: 0},
		{ts: 1_700_000_100, want: 1_700_000_100},
		{ts: 1_700_000_250, want: 1_700_000_400},
		{ts: 1_700_000_249, want: 1_700_000_100},
		{ts: 1_700_000_251, want: 1_700_000_400},
		{ts: 1_700_000_399, want: 1_700_000_400},
		{ts: 150, want: 0},
		{ts: 151, want: 300},
	}
	for _, tc := range cases {
		if got := RoundBucket(tc.ts); got != tc.want {
			t.Fatalf("RoundBucket(%d) = %d, want %d", tc.ts, got, tc.want)
		}
	}
}

func TestFloorBucketAndNextBoundary(t *testing.T) {
	now := time.Unix(1_700_000_399, 0).UTC()
	if got := FloorBucket(now); got != 1_700_000_100 {
		t.Fatalf("FloorBucket = %d, want 1700000100", got)
	}
	next := NextBoundary(now)
	if next.Unix() != 1_700_000_400 {
		t.Fatalf("NextBoundary = %d, want 1700000400", next.Unix())
	}
	onBoundary := time.Unix(1_700_000_400, 0).UTC()
	if got := NextBoundary(onBoundary).Unix(); got != 1_700_000_700 {
		t.Fatalf("NextBoundary on boundary = %d, want 1700000700", got)
	}
}
