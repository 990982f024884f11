package scheduler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/manifest"
	"github.com/foundryrelease/kernel/pkg/scheduler"
)

type stubValidationStore struct {
	pkgs []*contracts.Package
}

func (s *stubValidationStore) AcquireNextPendingValidation(ctx context.Context) (*contracts.Package, error) {
	if len(s.pkgs) == 0 {
		return nil, manifest.ErrNotFound
	}
	p := s.pkgs[0]
	s.pkgs = s.pkgs[1:]
	return p, nil
}

type stubRunner struct {
	passed    bool
	reportRef string
}

func (r *stubRunner) RunValidation(ctx context.Context, pkg *contracts.Package) (bool, string, error) {
	return r.passed, r.reportRef, nil
}

type stubReporter struct {
	calls []string
}

func (r *stubReporter) Validate(ctx context.Context, packageID string, passed bool, reportRef string) (*contracts.Package, error) {
	r.calls = append(r.calls, packageID)
	return &contracts.Package{PackageID: packageID}, nil
}

func TestValidationPollDriver_ReportsOutcomeForClaimedPackage(t *testing.T) {
	store := &stubValidationStore{pkgs: []*contracts.Package{{PackageID: "pkg-1"}}}
	runner := &stubRunner{passed: true, reportRef: "report-1"}
	reporter := &stubReporter{}

	d := scheduler.NewValidationPollDriver(store, runner, reporter)
	if err := d.Fn(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(reporter.calls) != 1 || reporter.calls[0] != "pkg-1" {
		t.Fatalf("expected validate reported for pkg-1, got %+v", reporter.calls)
	}
}

func TestValidationPollDriver_QuietWhenNoWork(t *testing.T) {
	store := &stubValidationStore{}
	runner := &stubRunner{}
	reporter := &stubReporter{}

	d := scheduler.NewValidationPollDriver(store, runner, reporter)
	if err := d.Fn(context.Background()); err != nil {
		t.Fatalf("expected nil error on no work, got %v", err)
	}
	if len(reporter.calls) != 0 {
		t.Fatalf("expected no validate calls, got %+v", reporter.calls)
	}
}

type stubDrainer struct {
	err error
}

func (d *stubDrainer) DrainDue(ctx context.Context, limit int) (int, error) {
	return 0, d.err
}

func TestPublishRetryDriver_PropagatesDrainError(t *testing.T) {
	d := scheduler.NewPublishRetryDriver(&stubDrainer{err: errors.New("boom")})
	if err := d.Fn(context.Background()); err == nil {
		t.Fatalf("expected error to propagate")
	}
}

type stubSweeper struct{ swept int64 }

func (s *stubSweeper) Sweep(ctx context.Context) (int64, error) { return s.swept, nil }

func TestIdempotencySweepDriver_Ticks(t *testing.T) {
	d := scheduler.NewIdempotencySweepDriver(&stubSweeper{swept: 3})
	if err := d.Fn(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

type stubRatificationChecker struct {
	rolledBack []*contracts.UpgradeProposal
}

func (s *stubRatificationChecker) CheckEmergencyRatificationTimeouts(ctx context.Context) ([]*contracts.UpgradeProposal, error) {
	return s.rolledBack, nil
}

func TestEmergencyRatificationDriver_Ticks(t *testing.T) {
	d := scheduler.NewEmergencyRatificationDriver(&stubRatificationChecker{})
	if err := d.Fn(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

type stubAuditExporter struct{ exported int }

func (s *stubAuditExporter) ExportNextBatch(ctx context.Context) (int, error) {
	return s.exported, nil
}

func TestAuditExportDriver_Ticks(t *testing.T) {
	d := scheduler.NewAuditExportDriver(&stubAuditExporter{exported: 2})
	if err := d.Fn(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}
