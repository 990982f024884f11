package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/manifest"
)

// ValidationPollStore is the subset of manifest.PostgresStore the
// validation-poll driver needs.
type ValidationPollStore interface {
	AcquireNextPendingValidation(ctx context.Context) (*contracts.Package, error)
}

// ValidationRunner is the external validation pipeline (SAST/SCA/sandbox
// runners) — out of scope for this kernel, which only owns the interface
// contract: hand it a claimed package, get back pass/fail and a report
// reference.
type ValidationRunner interface {
	RunValidation(ctx context.Context, pkg *contracts.Package) (passed bool, reportRef string, err error)
}

// ValidationReporter is the subset of manifest.Engine the validation-poll
// driver uses to record a validation outcome.
type ValidationReporter interface {
	Validate(ctx context.Context, packageID string, passed bool, reportRef string) (*contracts.Package, error)
}

// NewValidationPollDriver claims the oldest pending-validation package
// and runs it through the validator, four at a time.
func NewValidationPollDriver(store ValidationPollStore, runner ValidationRunner, reporter ValidationReporter) *TickerDriver {
	return &TickerDriver{
		DriverName:  "validation-poll",
		Interval:    2 * time.Second,
		Concurrency: 4,
		Fn: func(ctx context.Context) error {
			pkg, err := store.AcquireNextPendingValidation(ctx)
			if err != nil {
				if errors.Is(err, manifest.ErrNotFound) {
					return nil
				}
				return err
			}
			if pkg == nil {
				return nil
			}
			passed, reportRef, err := runner.RunValidation(ctx, pkg)
			if err != nil {
				return err
			}
			_, err = reporter.Validate(ctx, pkg.PackageID, passed, reportRef)
			return err
		},
	}
}

// PublishDrainer is the subset of publish.Driver the publish-retry
// driver needs.
type PublishDrainer interface {
	DrainDue(ctx context.Context, limit int) (int, error)
}

// NewPublishRetryDriver drains up to 20 due publish tasks per tick,
// eight ticks concurrently.
func NewPublishRetryDriver(driver PublishDrainer) *TickerDriver {
	return &TickerDriver{
		DriverName:  "publish-retry",
		Interval:    3 * time.Second,
		Concurrency: 8,
		Fn: func(ctx context.Context) error {
			_, err := driver.DrainDue(ctx, 20)
			return err
		},
	}
}

// IdempotencySweeper is the subset of idempotency.SQLStore the
// idempotency-sweep driver needs.
type IdempotencySweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// NewIdempotencySweepDriver deletes expired idempotency records once a
// minute.
func NewIdempotencySweepDriver(store IdempotencySweeper) *TickerDriver {
	return &TickerDriver{
		DriverName:  "idempotency-sweep",
		Interval:    time.Minute,
		Concurrency: 1,
		Fn: func(ctx context.Context) error {
			_, err := store.Sweep(ctx)
			return err
		},
	}
}

// EmergencyRatificationChecker is the subset of multisig.Coordinator the
// emergency-ratification-timer driver needs.
type EmergencyRatificationChecker interface {
	CheckEmergencyRatificationTimeouts(ctx context.Context) ([]*contracts.UpgradeProposal, error)
}

// NewEmergencyRatificationDriver rolls back any emergency-applied
// upgrade whose ratification deadline has passed, checked every 30s.
func NewEmergencyRatificationDriver(coordinator EmergencyRatificationChecker) *TickerDriver {
	return &TickerDriver{
		DriverName:  "emergency-ratification-timer",
		Interval:    30 * time.Second,
		Concurrency: 1,
		Fn: func(ctx context.Context) error {
			_, err := coordinator.CheckEmergencyRatificationTimeouts(ctx)
			return err
		},
	}
}

// AuditExporter is the subset of the audit export pack builder the
// audit-export driver needs: it advances an export cursor and writes
// out the next batch of signed events.
type AuditExporter interface {
	ExportNextBatch(ctx context.Context) (exported int, err error)
}

// NewAuditExportDriver advances the audit export cursor once every 10s.
func NewAuditExportDriver(exporter AuditExporter) *TickerDriver {
	return &TickerDriver{
		DriverName:  "audit-export",
		Interval:    10 * time.Second,
		Concurrency: 1,
		Fn: func(ctx context.Context) error {
			_, err := exporter.ExportNextBatch(ctx)
			return err
		},
	}
}
