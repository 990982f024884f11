package manifest_test

import (
	"context"
	"testing"
	"time"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/kernelerr"
	"github.com/foundryrelease/kernel/pkg/manifest"
	"github.com/foundryrelease/kernel/pkg/policy"
	"github.com/foundryrelease/kernel/pkg/signer"
)

const testKid = "test-kid"

func newTestEngine(t *testing.T, failOpen bool) (*manifest.Engine, manifest.Store) {
	t.Helper()
	gw := signer.NewLocalGateway()
	if err := gw.GenerateKey(testKid); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	reg := signer.NewRegistry(gw, time.Minute)
	chain := audit.NewMemoryChain(gw, reg, testKid, nil)
	backend := policy.NewLocalBackend("v1", nil)
	gate := policy.NewGate(backend, failOpen)
	store := manifest.NewMemoryStore()
	eng := manifest.NewEngine(store, gate, reg, gw, chain, testKid)
	return eng, store
}

type stubPublishScheduler struct {
	scheduled []string
}

func (s *stubPublishScheduler) Schedule(ctx context.Context, tenantID, manifestID string, targets []contracts.PublishTarget) ([]*contracts.PublishTask, error) {
	s.scheduled = append(s.scheduled, manifestID)
	tasks := make([]*contracts.PublishTask, len(targets))
	for i, target := range targets {
		tasks[i] = &contracts.PublishTask{TaskID: manifestID + "-" + string(target), ManifestID: manifestID, Target: target, Status: contracts.PublishPending}
	}
	return tasks, nil
}

func submitValidatedPackage(t *testing.T, eng *manifest.Engine) *contracts.Package {
	t.Helper()
	ctx := context.Background()
	pkg, err := eng.SubmitPackage(ctx, manifest.SubmitPackageRequest{
		TenantID:    "tenant-a",
		Name:        "widget",
		Version:     "1.0.0",
		ArtifactRef: "s3://bucket/widget-1.0.0.tar.gz",
		SHA256:      "deadbeef",
		Submitter:   "alice",
	})
	if err != nil {
		t.Fatalf("submit package: %v", err)
	}
	validated, err := eng.Validate(ctx, pkg.PackageID, true, "report-ref")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return validated
}

func TestSubmitPackage_IdempotentOnSubmitterKey(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	ctx := context.Background()
	req := manifest.SubmitPackageRequest{
		TenantID: "tenant-a", Name: "widget", Version: "1.0.0",
		ArtifactRef: "ref", SHA256: "sha", Submitter: "alice",
		IdempotencyKey: "key-1",
	}
	first, err := eng.SubmitPackage(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := eng.SubmitPackage(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.PackageID != second.PackageID {
		t.Fatalf("expected same package, got %s and %s", first.PackageID, second.PackageID)
	}
}

func TestSubmitPackage_MissingFieldIsValidation(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	_, err := eng.SubmitPackage(context.Background(), manifest.SubmitPackageRequest{Submitter: "alice"})
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateManifest_RejectsUnvalidatedPackage(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg, err := eng.SubmitPackage(context.Background(), manifest.SubmitPackageRequest{
		TenantID: "tenant-a", Name: "widget", Version: "1.0.0",
		ArtifactRef: "ref", SHA256: "sha", Submitter: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindPreconditions {
		t.Fatalf("expected preconditions error, got %v", err)
	}
}

func TestCreateManifest_RejectsInvalidImpact(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	_, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.Impact("EXTREME"),
	})
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSignManifest_LowImpactGoesDirectlyToSigned(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	signed, err := eng.SignManifest(context.Background(), m.ManifestID, "alice")
	if err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	if signed.Status != contracts.ManifestSigned {
		t.Fatalf("expected status signed, got %s", signed.Status)
	}
	if signed.SignatureID == "" {
		t.Fatalf("expected a signature id")
	}
}

func TestSignManifest_HighImpactGoesToPendingMultisig(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactHigh,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	signed, err := eng.SignManifest(context.Background(), m.ManifestID, "alice")
	if err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	if signed.Status != contracts.ManifestPendingMultisig {
		t.Fatalf("expected status pending_multisig, got %s", signed.Status)
	}
}

func TestApplyManifest_RefusesUnsigned(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	_, err = eng.ApplyManifest(context.Background(), m.ManifestID, "alice")
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindPreconditions {
		t.Fatalf("expected preconditions error, got %v", err)
	}
}

func TestApplyManifest_RefusesHighImpactWithoutMultisig(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactCritical,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if _, err := eng.SignManifest(context.Background(), m.ManifestID, "alice"); err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	_, err = eng.ApplyManifest(context.Background(), m.ManifestID, "alice")
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindPreconditions {
		t.Fatalf("expected preconditions error, got %v", err)
	}
}

func TestApplyManifest_SucceedsAndRejectsDoubleApply(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if _, err := eng.SignManifest(context.Background(), m.ManifestID, "alice"); err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	applied, err := eng.ApplyManifest(context.Background(), m.ManifestID, "alice")
	if err != nil {
		t.Fatalf("apply manifest: %v", err)
	}
	if applied.Status != contracts.ManifestApplied {
		t.Fatalf("expected applied status, got %s", applied.Status)
	}
	_, err = eng.ApplyManifest(context.Background(), m.ManifestID, "alice")
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindConflict {
		t.Fatalf("expected conflict error on double apply, got %v", err)
	}
}

func TestApplyManifest_SchedulesPublishingWhenPublisherWired(t *testing.T) {
	eng, store := newTestEngine(t, false)
	pub := &stubPublishScheduler{}
	eng.Publisher = pub

	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if _, err := eng.SignManifest(context.Background(), m.ManifestID, "alice"); err != nil {
		t.Fatalf("sign manifest: %v", err)
	}

	applied, err := eng.ApplyManifest(context.Background(), m.ManifestID, "alice")
	if err != nil {
		t.Fatalf("apply manifest: %v", err)
	}
	if applied.Status != contracts.ManifestPublishing {
		t.Fatalf("expected publishing status once tasks are scheduled, got %s", applied.Status)
	}
	if len(pub.scheduled) != 1 || pub.scheduled[0] != m.ManifestID {
		t.Fatalf("expected Schedule called once for the applied manifest, got %v", pub.scheduled)
	}

	history, err := store.History(context.Background(), m.ManifestID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 history entries (draft, signed, applied, publishing), got %d: %+v", len(history), history)
	}

	if err := eng.CompletePublishing(context.Background(), m.ManifestID); err != nil {
		t.Fatalf("complete publishing: %v", err)
	}
	final, _, err := eng.Status(context.Background(), m.ManifestID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Status != contracts.ManifestPublished {
		t.Fatalf("expected published status, got %s", final.Status)
	}

	history, err = store.History(context.Background(), m.ManifestID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 history entries after publishing completes, got %d: %+v", len(history), history)
	}
}

func TestCompletePublishing_ConflictIsNotAnError(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if _, err := eng.SignManifest(context.Background(), m.ManifestID, "alice"); err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	if _, err := eng.ApplyManifest(context.Background(), m.ManifestID, "alice"); err != nil {
		t.Fatalf("apply manifest: %v", err)
	}
	// manifest is applied, not publishing, since no Publisher is wired.
	if err := eng.CompletePublishing(context.Background(), m.ManifestID); err != nil {
		t.Fatalf("expected conflict to be swallowed, got %v", err)
	}
}

func TestSignManifest_PolicyDenyBlocksSigning(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}

	backend := policy.NewLocalBackend("v1", map[string]bool{"manifest.sign:" + m.ManifestID: false})
	eng.Gate = policy.NewGate(backend, false)

	_, err = eng.SignManifest(context.Background(), m.ManifestID, "alice")
	kerr, ok := kernelerr.As(err)
	if !ok || kerr.Kind != kernelerr.KindPolicyDenied {
		t.Fatalf("expected policy denied error, got %v", err)
	}
}

func TestStatus_ReturnsHistory(t *testing.T) {
	eng, _ := newTestEngine(t, false)
	pkg := submitValidatedPackage(t, eng)
	m, err := eng.CreateManifest(context.Background(), manifest.CreateManifestRequest{
		PackageID: pkg.PackageID,
		Target:    map[string]any{"env": "prod"},
		Impact:    contracts.ImpactLow,
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if _, err := eng.SignManifest(context.Background(), m.ManifestID, "alice"); err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	_, history, err := eng.Status(context.Background(), m.ManifestID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(history) < 2 {
		t.Fatalf("expected at least 2 history entries, got %d", len(history))
	}
}
