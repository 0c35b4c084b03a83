package recon

import (
	"context"
	"testing"
	"time"

	"boothnet/chain"
)

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Offset: 10 * time.Second})
	cases := []struct {
		now  int64
		want int64
	}{
		{now: 1_700_000_100, want: 1_700_000_110},
		{now: 1_700_000_105, want: 1_700_000_110},
		{now: 1_700_000_110, want: 1_700_000_410},
		{now: 1_700_000_399, want: 1_700_000_410},
	}
	for _, tc := range cases {
		got := s.nextRun(time.Unix(tc.now, 0).UTC()).Unix()
		if got != tc.want {
			t.Fatalf("nextRun(%d) = %d, want %d", tc.now, got, tc.want)
		}
	}
	if NewScheduler(SchedulerConfig{Offset: time.Hour}).offset != 0 {
		t.Fatalf("offset beyond a bucket should be ignored")
	}
}

func TestSchedulerRunsPassesUntilCancelled(t *testing.T) {
	settler := &stubSettler{}
	now := time.Unix(1_700_000_250, 0)
	driver, err := NewDriver(Config{
		Registry: &stubRegistry{campaigns: []chain.Campaign{{ID: 1, Active: true}}},
		Settler:  settler,
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	passes := 0
	var waits []time.Duration
	s := NewScheduler(SchedulerConfig{
		Driver: driver,
		Now:    func() time.Time { return now },
		AfterPass: func(_ context.Context, result PassResult, ok bool) {
			if !ok || result.Bucket != 1_699_999_800 {
				t.Errorf("unexpected pass result %+v ok=%t", result, ok)
			}
			passes++
			if passes == 3 {
				cancel()
			}
		},
	})
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- now
		return ch
	}
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduler did not stop after cancel")
	}
	if passes != 3 {
		t.Fatalf("expected 3 passes, got %d", passes)
	}
	if waits[0] != 150*time.Second {
		t.Fatalf("expected first wait 150s, got %s", waits[0])
	}
	if settler.bucket != 1_699_999_800 {
		t.Fatalf("expected the closed bucket to be settled, got %d", settler.bucket)
	}
}

func TestSchedulerPassBucket(t *testing.T) {
	now := time.Unix(1_700_000_130, 0).UTC()
	if got := NewScheduler(SchedulerConfig{Offset: 30 * time.Second}).passBucket(now); got != 1_699_999_800 {
		t.Fatalf("expected the closed bucket, got %d", got)
	}
	if got := NewScheduler(SchedulerConfig{OpenBucket: true}).passBucket(now); got != 1_700_000_100 {
		t.Fatalf("expected the open bucket, got %d", got)
	}
}
