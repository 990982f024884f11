// Package scheduler runs the kernel's background drivers: polling loops
// that move work forward without a human or an inbound request pushing
// it — validation polling, publish retries, the idempotency-key sweep,
// the audit export cursor, and the emergency-ratification timeout
// sweep. Each driver ticks independently and is bound by its own
// concurrency limit so a slow target never starves the others.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/foundryrelease/kernel/pkg/scheduler")

// Driver is one named background loop. Run blocks until ctx is
// canceled.
type Driver interface {
	Name() string
	Run(ctx context.Context)
}

// TickerDriver runs fn every interval, with at most concurrency
// in-flight calls to fn at a time. A tick is dropped (never queued) if
// every slot is busy — fn should be cheap to call repeatedly and safe to
// call concurrently with itself bounded by concurrency.
type TickerDriver struct {
	DriverName  string
	Interval    time.Duration
	Concurrency int
	Fn          func(ctx context.Context) error

	sem chan struct{}
}

func (d *TickerDriver) Name() string { return d.DriverName }

// Run starts the ticker loop. It returns when ctx is canceled.
func (d *TickerDriver) Run(ctx context.Context) {
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	d.sem = make(chan struct{}, d.Concurrency)

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case d.sem <- struct{}{}:
				go d.tick(ctx)
			default:
				slog.Warn("scheduler: tick dropped, driver saturated", "driver", d.DriverName)
			}
		}
	}
}

func (d *TickerDriver) tick(ctx context.Context) {
	defer func() { <-d.sem }()

	ctx, span := tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(attribute.String("scheduler.driver", d.DriverName)))
	defer span.End()

	if err := d.Fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("scheduler: driver tick failed", "driver", d.DriverName, "error", err)
	}
}

// Scheduler owns a set of drivers and runs them for the life of a
// context.
type Scheduler struct {
	drivers []Driver
}

// New builds a Scheduler from the given drivers.
func New(drivers ...Driver) *Scheduler {
	return &Scheduler{drivers: drivers}
}

// Run starts every driver in its own goroutine and blocks until ctx is
// canceled, then waits for every driver's Run to return.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.drivers))
	for _, d := range s.drivers {
		d := d
		go func() {
			slog.Info("scheduler: driver starting", "driver", d.Name())
			d.Run(ctx)
			slog.Info("scheduler: driver stopped", "driver", d.Name())
			done <- struct{}{}
		}()
	}
	for range s.drivers {
		<-done
	}
}
