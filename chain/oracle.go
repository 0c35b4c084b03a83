package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxAggregateBuckets caps ranged reads at one week of buckets.
const DefaultMaxAggregateBuckets = 2016

// Sample is the view/tap count recorded for one device in one bucket.
type Sample struct {
	Views uint64 `json:"views"`
	Taps  uint64 `json:"taps"`
}

// Aggregate sums samples over a range of buckets.
type Aggregate struct {
	TotalViews uint64 `json:"totalViews"`
	TotalTaps  uint64 `json:"totalTaps"`
}

// MetricsReader reads oracle samples. PerformanceOracle is the on-chain implementation.
type MetricsReader interface {
	Metrics(ctx context.Context, deviceID uint64, ts int64) (Sample, error)
}

// PerformanceOracle reads time-bucketed view/tap counters from the PerformanceOracle contract.
type PerformanceOracle struct {
	caller     ContractCaller
	address    common.Address
	timeout    time.Duration
	maxBuckets int
}

// OracleOption customises a PerformanceOracle.
type OracleOption func(*PerformanceOracle)

// WithOracleCallTimeout bounds each getMetrics call.
func WithOracleCallTimeout(timeout time.Duration) OracleOption {
	return func(o *PerformanceOracle) { o.timeout = timeout }
}

// WithMaxAggregateBuckets limits how many buckets a ranged read may span.
func WithMaxAggregateBuckets(n int) OracleOption {
	return func(o *PerformanceOracle) { o.maxBuckets = n }
}

// NewPerformanceOracle binds a reader to the oracle deployed at address.
func NewPerformanceOracle(caller ContractCaller, address common.Address, opts ...OracleOption) *PerformanceOracle {
	oracle := &PerformanceOracle{
		caller:     caller,
		address:    address,
		timeout:    DefaultCallTimeout,
		maxBuckets: DefaultMaxAggregateBuckets,
	}
	for _, opt := range opts {
		opt(oracle)
	}
	if oracle.maxBuckets <= 0 {
		oracle.maxBuckets = DefaultMaxAggregateBuckets
	}
	return oracle
}

// Address returns the oracle contract address.
func (o *PerformanceOracle) Address() common.Address { return o.address }

// Metrics returns the sample for deviceID in the bucket nearest to ts.
func (o *PerformanceOracle) Metrics(ctx context.Context, deviceID uint64, ts int64) (Sample, error) {
	return o.read(ctx, deviceID, RoundBucket(ts))
}

func (o *PerformanceOracle) read(ctx context.Context, deviceID uint64, bucket int64) (Sample, error) {
	if bucket < 0 {
		return Sample{}, fmt.Errorf("chain: negative bucket %d", bucket)
	}
	values, err := callContract(ctx, o.caller, o.address, PerformanceOracleABI, o.timeout,
		"getMetrics", bigFromUint64(deviceID), big.NewInt(bucket))
	if err != nil {
		return Sample{}, fmt.Errorf("oracle metrics device=%d bucket=%d: %w", deviceID, bucket, err)
	}
	if len(values) != 2 {
		return Sample{}, fmt.Errorf("oracle metrics: unexpected output length %d", len(values))
	}
	views, err := uintOutput(values[0])
	if err != nil {
		return Sample{}, fmt.Errorf("oracle views: %w", err)
	}
	taps, err := uintOutput(values[1])
	if err != nil {
		return Sample{}, fmt.Errorf("oracle taps: %w", err)
	}
	return Sample{Views: views, Taps: taps}, nil
}

// AggregatedMetrics sums every bucket between the rounded start and end, inclusive.
func (o *PerformanceOracle) AggregatedMetrics(ctx context.Context, deviceID uint64, start, end int64) (Aggregate, error) {
	first := RoundBucket(start)
	last := RoundBucket(end)
	if last < first {
		return Aggregate{}, fmt.Errorf("chain: end %d before start %d", end, start)
	}
	span := (last-first)/BucketSeconds + 1
	if span > int64(o.maxBuckets) {
		return Aggregate{}, fmt.Errorf("chain: range spans %d buckets, limit %d", span, o.maxBuckets)
	}
	var agg Aggregate
	for bucket := first; bucket <= last; bucket += BucketSeconds {
		if err := ctx.Err(); err != nil {
			return Aggregate{}, err
		}
		sample, err := o.read(ctx, deviceID, bucket)
		if err != nil {
			return Aggregate{}, err
		}
		agg.TotalViews += sample.Views
		agg.TotalTaps += sample.Taps
	}
	return agg, nil
}

// DailyMetrics aggregates the buckets of the calendar day containing day, in day's location.
func (o *PerformanceOracle) DailyMetrics(ctx context.Context, deviceID uint64, day time.Time) (Aggregate, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24*time.Hour - BucketWidth)
	return o.AggregatedMetrics(ctx, deviceID, start.Unix(), end.Unix())
}

// WeeklyMetrics aggregates the seven calendar days starting at start.
func (o *PerformanceOracle) WeeklyMetrics(ctx context.Context, deviceID uint64, start time.Time) (Aggregate, error) {
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	last := first.AddDate(0, 0, 7).Add(-BucketWidth)
	return o.AggregatedMetrics(ctx, deviceID, first.Unix(), last.Unix())
}
