package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/canonicalize"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/kernelerr"
	"github.com/foundryrelease/kernel/pkg/policy"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// SignerKid is the signer registry key the Engine signs manifests and
// audit events under. In production this is the KMS/HSM key alias;
// config wires it from an environment knob.
const defaultSignerKid = "kernel-primary"

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// IDGenerator abstracts ID generation for deterministic tests.
type IDGenerator func() string

// PublishScheduler is the narrow view of the Publisher Driver the Engine
// needs: fanning an applied manifest out to its publish targets. Kept as
// an interface (rather than a concrete *publish.Driver field) so this
// package never imports pkg/publish, which imports back into this one
// for the completion callback.
type PublishScheduler interface {
	Schedule(ctx context.Context, tenantID, manifestID string, targets []contracts.PublishTarget) ([]*contracts.PublishTask, error)
}

// Engine implements the Manifest Engine's five operations against a
// Store, a Policy Gate, a Signing Gateway and the Audit Chain. It owns
// no state of its own beyond these collaborators.
type Engine struct {
	Store     Store
	Gate      *policy.Gate
	Registry  *signer.Registry
	Gateway   signer.Gateway
	Chain     audit.Chain
	SignerKid string
	Now       Clock
	NewID     IDGenerator

	// Publisher fans an applied manifest out to its publish targets. It
	// is set after construction (cmd/kernel wires the Publisher Driver
	// with this Engine as its manifest lookup, so the two can't be
	// constructor arguments to each other).
	Publisher PublishScheduler
}

// NewEngine wires an Engine from its collaborators. SignerKid defaults
// to defaultSignerKid if empty.
func NewEngine(store Store, gate *policy.Gate, registry *signer.Registry, gw signer.Gateway, chain audit.Chain, signerKid string) *Engine {
	if signerKid == "" {
		signerKid = defaultSignerKid
	}
	return &Engine{
		Store:     store,
		Gate:      gate,
		Registry:  registry,
		Gateway:   gw,
		Chain:     chain,
		SignerKid: signerKid,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     func() string { return uuid.NewString() },
	}
}

// SubmitPackageRequest is the input to SubmitPackage.
type SubmitPackageRequest struct {
	TenantID       string
	Name           string
	Version        string
	ArtifactRef    string
	SHA256         string
	Submitter      string
	IdempotencyKey string
	Metadata       map[string]any
}

// SubmitPackage registers a new Package awaiting validation. It is
// idempotent on (Submitter, IdempotencyKey): a retry with the same key
// returns the original package rather than creating a duplicate.
func (e *Engine) SubmitPackage(ctx context.Context, req SubmitPackageRequest) (*contracts.Package, error) {
	if req.Name == "" || req.Version == "" || req.ArtifactRef == "" || req.SHA256 == "" || req.Submitter == "" {
		return nil, kernelerr.Validation("missing_field", "name, version, artifactRef, sha256 and submitter are required")
	}
	if _, err := semver.NewVersion(req.Version); err != nil {
		return nil, kernelerr.Validation("invalid_version", "version must be a valid semantic version")
	}

	if req.IdempotencyKey != "" {
		existing, err := e.Store.FindPackageBySubmitterKey(ctx, req.Submitter, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, kernelerr.Internal(err)
		}
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if req.IdempotencyKey != "" {
		metadata["submitterIdempotencyKey"] = req.IdempotencyKey
	}

	now := e.Now()
	pkg := &contracts.Package{
		PackageID: e.NewID(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Version:   req.Version,
		ArtifactRef: req.ArtifactRef,
		SHA256:    req.SHA256,
		Submitter: req.Submitter,
		Metadata:  metadata,
		Status:    contracts.PackageSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.CreatePackage(ctx, pkg); err != nil {
		return nil, kernelerr.Internal(err)
	}

	if _, err := e.Chain.Append(ctx, "package.submitted", pkg, map[string]any{"tenantId": req.TenantID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}
	return pkg, nil
}

// Validate runs (or records the result of) package validation. It is
// invoked by the validation-poll scheduler driver after claiming a
// package via PostgresStore's AcquireNextPendingValidation, or directly by a
// caller supplying a pre-computed report.
func (e *Engine) Validate(ctx context.Context, packageID string, passed bool, reportRef string) (*contracts.Package, error) {
	pkg, err := e.Store.GetPackage(ctx, packageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("package_not_found", "no such package")
		}
		return nil, kernelerr.Internal(err)
	}
	if pkg.Status != contracts.PackageSubmitted && pkg.Status != contracts.PackageValidating {
		return nil, kernelerr.Preconditions("package_not_pending", "package is not awaiting validation")
	}

	next := contracts.PackageValidated
	eventType := "package.validated"
	if !passed {
		next = contracts.PackageFailed
		eventType = "package.failed"
	}

	if err := e.Store.TransitionPackageStatus(ctx, packageID, pkg.Status, next, reportRef); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("package_transition_conflict", "package status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	pkg.Status = next
	pkg.ValidationReportRef = reportRef

	if _, err := e.Chain.Append(ctx, eventType, pkg, map[string]any{"tenantId": pkg.TenantID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}
	return pkg, nil
}

// CreateManifestRequest is the input to CreateManifest.
type CreateManifestRequest struct {
	TenantID      string
	PackageID     string
	Target        map[string]any
	Impact        contracts.Impact
	Rationale     string
	Preconditions []string
	ApplyStrategy map[string]any
}

// CreateManifest drafts a new Manifest against a validated package.
func (e *Engine) CreateManifest(ctx context.Context, req CreateManifestRequest) (*contracts.Manifest, error) {
	if !req.Impact.Valid() {
		return nil, kernelerr.Validation("invalid_impact", "impact must be one of LOW, MEDIUM, HIGH, CRITICAL")
	}
	if len(req.Target) == 0 {
		return nil, kernelerr.Validation("missing_target", "target is required")
	}

	pkg, err := e.Store.GetPackage(ctx, req.PackageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("package_not_found", "no such package")
		}
		return nil, kernelerr.Internal(err)
	}
	if pkg.Status != contracts.PackageValidated {
		return nil, kernelerr.Preconditions("package_not_validated", "package has not passed validation")
	}

	now := e.Now()
	m := &contracts.Manifest{
		ManifestID:    e.NewID(),
		TenantID:      req.TenantID,
		PackageID:     req.PackageID,
		Target:        req.Target,
		Impact:        req.Impact,
		Rationale:     req.Rationale,
		Preconditions: req.Preconditions,
		ApplyStrategy: req.ApplyStrategy,
		Status:        contracts.ManifestDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Store.CreateManifest(ctx, m); err != nil {
		return nil, kernelerr.Internal(err)
	}

	if _, err := e.Chain.Append(ctx, "manifest.created", m, map[string]any{"tenantId": req.TenantID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}
	return m, nil
}

// SignManifest canonicalizes the manifest, requests a detached
// signature from the Signing Gateway, verifies it against the
// registry's resolved public key before persisting, and transitions the
// manifest to signed. Signing fails closed: any gateway or verification
// error leaves the manifest in its prior status.
func (e *Engine) SignManifest(ctx context.Context, manifestID, actorID string) (*contracts.Manifest, error) {
	m, err := e.Store.GetManifest(ctx, manifestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("manifest_not_found", "no such manifest")
		}
		return nil, kernelerr.Internal(err)
	}
	if m.Status != contracts.ManifestDraft && m.Status != contracts.ManifestPendingValidation {
		return nil, kernelerr.Preconditions("manifest_not_signable", "manifest is not in a signable state")
	}

	decision, err := e.Gate.Check(ctx, policy.Request{
		Point:    policy.PointManifestSign,
		TenantID: m.TenantID,
		ActorID:  actorID,
		Resource: m.ManifestID,
	})
	if err != nil {
		if decision != nil {
			if _, auditErr := e.Chain.Append(ctx, "policy.decision", decision, map[string]any{"tenantId": m.TenantID, "point": policy.PointManifestSign}); auditErr != nil {
				return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", auditErr))
			}
		}
		return nil, err
	}

	canonical, err := canonicalize.JCS(m.CanonicalForm())
	if err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("manifest: canonicalize: %w", err))
	}
	hash := canonicalize.HashBytes(canonical)
	digest := signer.Digest([]byte(hash))

	sigBytes, err := e.Gateway.Sign(ctx, e.SignerKid, digest, signer.AlgEd25519)
	if err != nil {
		return nil, kernelerr.SignerUnavailable(err)
	}

	pubKeyHex, err := e.Registry.PublicKey(ctx, e.SignerKid)
	if err != nil {
		return nil, kernelerr.SignerUnavailable(err)
	}
	ok, err := signer.Verify(string(pubKeyHex), digest, sigBytes)
	if err != nil || !ok {
		return nil, kernelerr.SignerUnavailable(fmt.Errorf("manifest: signature failed verification"))
	}

	sig := &contracts.ManifestSignature{
		SignatureID:    e.NewID(),
		ManifestID:     m.ManifestID,
		SignerKid:      e.SignerKid,
		SignatureBytes: sigBytes,
		CanonicalHash:  hash,
		SignedAt:       e.Now(),
	}
	if err := e.Store.CreateSignature(ctx, sig); err != nil {
		return nil, kernelerr.Internal(err)
	}

	next := contracts.ManifestSigned
	var upgradeID string
	if m.Impact.RequiresMultisig() {
		next = contracts.ManifestPendingMultisig
	}
	if err := e.Store.SetManifestSignature(ctx, manifestID, sig.SignatureID, upgradeID, m.Status, next); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("manifest_transition_conflict", "manifest status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	m.Status = next
	m.SignatureID = sig.SignatureID

	if _, err := e.Chain.Append(ctx, "manifest.signed", m, map[string]any{"tenantId": m.TenantID, "signatureId": sig.SignatureID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}
	return m, nil
}

// ApplyManifest applies a signed manifest. It refuses if the manifest
// has no signature, if its impact requires multisig and the associated
// upgrade has not applied, if the policy gate denies, or if the
// manifest has already applied.
func (e *Engine) ApplyManifest(ctx context.Context, manifestID, actorID string) (*contracts.Manifest, error) {
	m, err := e.Store.GetManifest(ctx, manifestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("manifest_not_found", "no such manifest")
		}
		return nil, kernelerr.Internal(err)
	}

	if m.Status == contracts.ManifestApplied || m.Status == contracts.ManifestApplying || m.Status == contracts.ManifestPublishing || m.Status == contracts.ManifestPublished {
		return nil, kernelerr.Conflict("manifest_already_applied", "manifest has already applied")
	}
	if m.SignatureID == "" {
		return nil, kernelerr.Preconditions("manifest_unsigned", "manifest has no signature")
	}
	if m.Impact.RequiresMultisig() && m.Status != contracts.ManifestMultisigApplied {
		return nil, kernelerr.Preconditions("multisig_required", "manifest requires multisig approval before it may apply")
	}
	if !m.Impact.RequiresMultisig() && m.Status != contracts.ManifestSigned {
		return nil, kernelerr.Preconditions("manifest_not_signed", "manifest is not in a signed state")
	}

	decision, err := e.Gate.Check(ctx, policy.Request{
		Point:    policy.PointPublishPreApply,
		TenantID: m.TenantID,
		ActorID:  actorID,
		Resource: m.ManifestID,
	})
	if err != nil {
		if decision != nil {
			if _, auditErr := e.Chain.Append(ctx, "policy.decision", decision, map[string]any{"tenantId": m.TenantID, "point": policy.PointPublishPreApply}); auditErr != nil {
				return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", auditErr))
			}
		}
		return nil, err
	}

	if err := e.Store.TransitionManifestStatus(ctx, manifestID, m.Status, contracts.ManifestApplied); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("manifest_transition_conflict", "manifest status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	m.Status = contracts.ManifestApplied

	if _, err := e.Chain.Append(ctx, "manifest.applied", m, map[string]any{"tenantId": m.TenantID, "actorId": actorID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}

	if e.Publisher != nil {
		targets := []contracts.PublishTarget{contracts.TargetRepo, contracts.TargetMarketplace, contracts.TargetDelivery}
		if _, err := e.Publisher.Schedule(ctx, m.TenantID, m.ManifestID, targets); err != nil {
			return nil, kernelerr.Internal(fmt.Errorf("manifest: schedule publish tasks: %w", err))
		}
		if err := e.Store.TransitionManifestStatus(ctx, manifestID, contracts.ManifestApplied, contracts.ManifestPublishing); err != nil {
			if !errors.Is(err, ErrTransitionConflict) {
				return nil, kernelerr.Internal(err)
			}
		} else {
			m.Status = contracts.ManifestPublishing
			if _, err := e.Chain.Append(ctx, "manifest.publishing", m, map[string]any{"tenantId": m.TenantID}); err != nil {
				return nil, kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
			}
		}
	}

	return m, nil
}

// CompletePublishing transitions a manifest from publishing to published
// once the Publisher Driver has observed every PublishTask for it reach
// succeeded. Called by the Publisher Driver, never exposed on the
// Request Surface. A transition conflict (the manifest already moved, or
// a concurrent completion check beat this one to it) is not an error.
func (e *Engine) CompletePublishing(ctx context.Context, manifestID string) error {
	m, err := e.Store.GetManifest(ctx, manifestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return kernelerr.NotFound("manifest_not_found", "no such manifest")
		}
		return kernelerr.Internal(err)
	}
	if m.Status == contracts.ManifestPublished {
		return nil
	}
	if err := e.Store.TransitionManifestStatus(ctx, manifestID, contracts.ManifestPublishing, contracts.ManifestPublished); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil
		}
		return kernelerr.Internal(err)
	}
	m.Status = contracts.ManifestPublished

	if _, err := e.Chain.Append(ctx, "manifest.published", m, map[string]any{"tenantId": m.TenantID}); err != nil {
		return kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}
	return nil
}

// MarkMultisigApplied transitions a manifest from pending_multisig to
// multisig_applied once its upgrade proposal has reached quorum (or was
// emergency-applied). Called by the Multisig Coordinator; never exposed
// directly on the Request Surface.
func (e *Engine) MarkMultisigApplied(ctx context.Context, manifestID string) error {
	m, err := e.Store.GetManifest(ctx, manifestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return kernelerr.NotFound("manifest_not_found", "no such manifest")
		}
		return kernelerr.Internal(err)
	}
	if m.Status == contracts.ManifestMultisigApplied {
		return nil
	}
	if err := e.Store.TransitionManifestStatus(ctx, manifestID, contracts.ManifestPendingMultisig, contracts.ManifestMultisigApplied); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return kernelerr.Conflict("manifest_transition_conflict", "manifest status changed concurrently")
		}
		return kernelerr.Internal(err)
	}
	return nil
}

// RollbackApplied drives the compensating applied -> rolled_back
// transition when an emergency-applied upgrade's ratification deadline
// passes without quorum. Called by the Multisig Coordinator.
func (e *Engine) RollbackApplied(ctx context.Context, manifestID string) error {
	m, err := e.Store.GetManifest(ctx, manifestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return kernelerr.NotFound("manifest_not_found", "no such manifest")
		}
		return kernelerr.Internal(err)
	}
	if err := e.Store.TransitionManifestStatus(ctx, manifestID, m.Status, contracts.ManifestRolledBack); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return kernelerr.Conflict("manifest_transition_conflict", "manifest status changed concurrently")
		}
		return kernelerr.Internal(err)
	}
	if _, err := e.Chain.Append(ctx, "manifest.rolled_back", m, map[string]any{"tenantId": m.TenantID}); err != nil {
		return kernelerr.Internal(fmt.Errorf("manifest: audit append: %w", err))
	}
	return nil
}

// GetPackage returns a submitted package by ID, for GET /packages/{id}.
func (e *Engine) GetPackage(ctx context.Context, packageID string) (*contracts.Package, error) {
	pkg, err := e.Store.GetPackage(ctx, packageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("package_not_found", "no such package")
		}
		return nil, kernelerr.Internal(err)
	}
	return pkg, nil
}

// Status returns the manifest's current state and recorded history, for
// GET /manifests/{id}/status.
func (e *Engine) Status(ctx context.Context, manifestID string) (*contracts.Manifest, []StatusHistoryEntry, error) {
	m, err := e.Store.GetManifest(ctx, manifestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, kernelerr.NotFound("manifest_not_found", "no such manifest")
		}
		return nil, nil, kernelerr.Internal(err)
	}
	history, err := e.Store.History(ctx, manifestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, kernelerr.Internal(err)
	}
	return m, history, nil
}
