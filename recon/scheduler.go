package recon

import (
	"context"
	"log/slog"
	"time"

	"boothnet/chain"
)

// SchedulerConfig configures the bucket-aligned reconciliation scheduler.
type SchedulerConfig struct {
	Driver *Driver
	// Offset delays each pass past the bucket boundary.
	Offset time.Duration
	// OpenBucket settles the bucket that has just started instead of the one that
	// just closed.
	OpenBucket bool
	AfterPass   func(ctx context.Context, result PassResult, ok bool)
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler executes reconciliation at every bucket boundary.
type Scheduler struct {
	driver    *Driver
	offset    time.Duration
	open      bool
	afterPass func(ctx context.Context, result PassResult, ok bool)
	logger    *slog.Logger
	now       func() time.Time
	after     func(d time.Duration) <-chan time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	offset := cfg.Offset
	if offset < 0 || offset >= chain.BucketWidth {
		offset = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		driver:    cfg.Driver,
		offset:    offset,
		open:      cfg.OpenBucket,
		afterPass: cfg.AfterPass,
		logger:    logger,
		now:       now,
		after:     time.After,
	}
}

// Start runs passes until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.driver == nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		now := s.now()
		next := s.nextRun(now)
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
			result, ok := s.runPass(ctx)
			if s.afterPass != nil {
				s.afterPass(ctx, result, ok)
			}
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) (result PassResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconciliation pass panicked", "panic", r)
			ok = false
		}
	}()
	result, err := s.driver.RunForBucket(ctx, s.passBucket(s.now()))
	if err != nil {
		s.logger.Error("reconciliation pass failed", "bucket", result.Bucket, "error", err)
		return result, false
	}
	return result, true
}

// passBucket is the bucket a pass firing at now settles. Events for the open bucket
// are still arriving, and a settled bucket is never split again.
func (s *Scheduler) passBucket(now time.Time) int64 {
	bucket := chain.FloorBucket(now)
	if s.open {
		return bucket
	}
	return bucket - chain.BucketSeconds
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Unix(chain.FloorBucket(after), 0).In(after.Location()).Add(s.offset)
	if !target.After(after) {
		target = target.Add(chain.BucketWidth)
	}
	return target
}
