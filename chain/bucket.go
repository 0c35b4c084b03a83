package chain

import "time"

const (
	// BucketSeconds is the width of one metrics bucket.
	BucketSeconds int64 = 300
	// roundingThreshold is the offset at which a timestamp rounds up to the next bucket.
	roundingThreshold int64 = 150
)

// BucketWidth is BucketSeconds as a duration.
const BucketWidth = time.Duration(BucketSeconds) * time.Second

// RoundBucket snaps a unix timestamp to the nearest bucket boundary. Remainders of up
// to 150 seconds round down, anything larger rounds up. The oracle keys samples this way.
func RoundBucket(ts int64) int64 {
	rem := ts % BucketSeconds
	if rem < 0 {
		rem += BucketSeconds
	}
	if rem <= roundingThreshold {
		return ts - rem
	}
	return ts + (BucketSeconds - rem)
}

// FloorBucket returns the boundary of the bucket containing t.
func FloorBucket(t time.Time) int64 {
	ts := t.Unix()
	rem := ts % BucketSeconds
	if rem < 0 {
		rem += BucketSeconds
	}
	return ts - rem
}

// NextBoundary returns the first bucket boundary strictly after t.
func NextBoundary(t time.Time) time.Time {
	return time.Unix(FloorBucket(t)+BucketSeconds, 0).In(t.Location())
}
