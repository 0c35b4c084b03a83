package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var oracleAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestOracleMetricsRoundsTimestamp(t *testing.T) {
	var gotBucket int64
	caller := newFakeCaller(PerformanceOracleABI, func(method string, args []interface{}) ([]interface{}, error) {
		gotBucket = args[1].(*big.Int).Int64()
		if args[0].(*big.Int).Uint64() != 7 {
			t.Fatalf("unexpected device id %v", args[0])
		}
		return []interface{}{big.NewInt(120), big.NewInt(9)}, nil
	})
	oracle := NewPerformanceOracle(caller, oracleAddr)

	sample, err := oracle.Metrics(context.Background(), 7, 1_700_000_251)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if gotBucket != 1_700_000_400 {
		t.Fatalf("expected rounded bucket 1700000400, got %d", gotBucket)
	}
	if sample.Views != 120 || sample.Taps != 9 {
		t.Fatalf("unexpected sample %+v", sample)
	}
}

func TestOracleMetricsPropagatesCallError(t *testing.T) {
	caller := newFakeCaller(PerformanceOracleABI, func(string, []interface{}) ([]interface{}, error) {
		return nil, errors.New("rpc down")
	})
	oracle := NewPerformanceOracle(caller, oracleAddr)
	if _, err := oracle.Metrics(context.Background(), 1, 0); err == nil || !strings.Contains(err.Error(), "rpc down") {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestOracleRejectsOverflowingCounters(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	caller := newFakeCaller(PerformanceOracleABI, func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{huge, big.NewInt(1)}, nil
	})
	oracle := NewPerformanceOracle(caller, oracleAddr)
	if _, err := oracle.Metrics(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestAggregatedMetricsSumsBuckets(t *testing.T) {
	caller := newFakeCaller(PerformanceOracleABI, func(_ string, args []interface{}) ([]interface{}, error) {
		bucket := args[1].(*big.Int).Int64()
		return []interface{}{big.NewInt(bucket / BucketSeconds % 10), big.NewInt(1)}, nil
	})
	oracle := NewPerformanceOracle(caller, oracleAddr)

	start := int64(3000)
	end := int64(3000 + 4*BucketSeconds)
	agg, err := oracle.AggregatedMetrics(context.Background(), 1, start, end)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	// buckets 10..14 -> views 0+1+2+3+4
	if agg.TotalViews != 10 || agg.TotalTaps != 5 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
	if n := caller.callCount("getMetrics"); n != 5 {
		t.Fatalf("expected 5 reads, got %d", n)
	}
}

func TestAggregatedMetricsRejectsInvertedAndOversizedRanges(t *testing.T) {
	caller := newFakeCaller(PerformanceOracleABI, func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(0), big.NewInt(0)}, nil
	})
	oracle := NewPerformanceOracle(caller, oracleAddr, WithMaxAggregateBuckets(3))
	if _, err := oracle.AggregatedMetrics(context.Background(), 1, 900, 0); err == nil {
		t.Fatalf("expected inverted range error")
	}
	if _, err := oracle.AggregatedMetrics(context.Background(), 1, 0, 3*BucketSeconds); err == nil {
		t.Fatalf("expected span limit error")
	}
	if caller.callCount("getMetrics") != 0 {
		t.Fatalf("no reads expected for rejected ranges")
	}
}

func TestDailyAndWeeklyMetricsBucketCounts(t *testing.T) {
	caller := newFakeCaller(PerformanceOracleABI, func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1), big.NewInt(0)}, nil
	})
	oracle := NewPerformanceOracle(caller, oracleAddr)
	day := time.Date(2024, 3, 5, 13, 47, 0, 0, time.UTC)

	daily, err := oracle.DailyMetrics(context.Background(), 1, day)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if daily.TotalViews != 288 {
		t.Fatalf("expected 288 daily buckets, got %d", daily.TotalViews)
	}
	weekly, err := oracle.WeeklyMetrics(context.Background(), 1, day)
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if weekly.TotalViews != DefaultMaxAggregateBuckets {
		t.Fatalf("expected %d weekly buckets, got %d", DefaultMaxAggregateBuckets, weekly.TotalViews)
	}
}
