package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foundryrelease/kernel/pkg/scheduler"
)

func TestTickerDriver_RunsUntilCanceled(t *testing.T) {
	var calls int64
	d := &scheduler.TickerDriver{
		DriverName:  "test-driver",
		Interval:    5 * time.Millisecond,
		Concurrency: 2,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&calls, 1)
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d.Run(ctx)

	if atomic.LoadInt64(&calls) == 0 {
		t.Fatalf("expected at least one tick to fire")
	}
}

func TestTickerDriver_DropsTickWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	var started32 int64

	d := &scheduler.TickerDriver{
		DriverName:  "slow-driver",
		Interval:    2 * time.Millisecond,
		Concurrency: 1,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&started32, 1)
			started <- struct{}{}
			<-release
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	go d.Run(ctx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("driver never started a tick")
	}

	time.Sleep(30 * time.Millisecond)
	n := atomic.LoadInt64(&started32)
	close(release)
	cancel()

	if n != 1 {
		t.Fatalf("expected exactly the saturated tick to run, got %d", n)
	}
}

func TestScheduler_RunsAllDriversAndReturnsOnCancel(t *testing.T) {
	var a, b int64
	d1 := &scheduler.TickerDriver{DriverName: "d1", Interval: time.Millisecond, Concurrency: 1, Fn: func(ctx context.Context) error {
		atomic.AddInt64(&a, 1)
		return nil
	}}
	d2 := &scheduler.TickerDriver{DriverName: "d2", Interval: time.Millisecond, Concurrency: 1, Fn: func(ctx context.Context) error {
		atomic.AddInt64(&b, 1)
		return nil
	}}

	s := scheduler.New(d1, d2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not return after context cancellation")
	}

	if atomic.LoadInt64(&a) == 0 || atomic.LoadInt64(&b) == 0 {
		t.Fatalf("expected both drivers to tick at least once, got a=%d b=%d", a, b)
	}
}
