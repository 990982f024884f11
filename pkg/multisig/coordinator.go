package multisig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/kernelerr"
)

// defaultRequiredApprovers is the quorum default from §4.7: 3 of 5.
const defaultRequiredApprovers = 3

// defaultEmergencyRatificationWindow is the deadline an emergency-applied
// upgrade has to collect quorum before its manifest is rolled back.
const defaultEmergencyRatificationWindow = 48 * time.Hour

// superAdminRole is the elevated role required to call EmergencyApply.
const superAdminRole = "SuperAdmin"

// ManifestNotifier is the subset of the Manifest Engine the Coordinator
// drives: it has no other dependency on manifest internals.
type ManifestNotifier interface {
	MarkMultisigApplied(ctx context.Context, manifestID string) error
	RollbackApplied(ctx context.Context, manifestID string) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Coordinator implements the Multisig Coordinator's Submit/Approve/
// Apply/EmergencyApply/Ratify operations against a Store, an
// authorized-approver set and a fixed quorum.
type Coordinator struct {
	Store              Store
	Chain              audit.Chain
	Manifests          ManifestNotifier
	Approvers          map[string]bool
	Required           int
	RatificationWindow time.Duration
	// Ceremony, when non-nil, is enforced by ApproveWithCeremony for
	// approvals that must carry procedural evidence (HIGH/CRITICAL
	// impact manifests). Approve itself never checks it.
	Ceremony *CeremonyPolicy
	Now      Clock
	NewID    func() string
}

// NewCoordinator builds a Coordinator. required defaults to
// defaultRequiredApprovers and window to
// defaultEmergencyRatificationWindow when zero.
func NewCoordinator(store Store, chain audit.Chain, manifests ManifestNotifier, approvers []string, required int, window time.Duration) *Coordinator {
	if required <= 0 {
		required = defaultRequiredApprovers
	}
	if window <= 0 {
		window = defaultEmergencyRatificationWindow
	}
	set := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		set[a] = true
	}
	return &Coordinator{
		Store:              store,
		Chain:              chain,
		Manifests:          manifests,
		Approvers:          set,
		Required:           required,
		RatificationWindow: window,
		Now:                func() time.Time { return time.Now().UTC() },
		NewID:              func() string { return uuid.NewString() },
	}
}

// Submit persists a new UpgradeProposal in pending for manifestID.
func (c *Coordinator) Submit(ctx context.Context, tenantID, manifestID, submittedBy string) (*contracts.UpgradeProposal, error) {
	if manifestID == "" || submittedBy == "" {
		return nil, kernelerr.Validation("missing_field", "manifestId and submittedBy are required")
	}
	now := c.Now()
	p := &contracts.UpgradeProposal{
		UpgradeID:   c.NewID(),
		TenantID:    tenantID,
		ManifestID:  manifestID,
		SubmittedBy: submittedBy,
		SubmittedAt: now,
		Status:      contracts.UpgradePending,
	}
	if err := c.Store.CreateProposal(ctx, p); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("upgrade_already_exists", "an upgrade proposal with this id already exists")
		}
		return nil, kernelerr.Internal(err)
	}
	if _, err := c.Chain.Append(ctx, "upgrade.submitted", p, map[string]any{"tenantId": tenantID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
	}
	return p, nil
}

// Reject transitions a pending proposal to rejected, e.g. after a
// policy-gate denial evaluated by the caller at the Request Surface.
func (c *Coordinator) Reject(ctx context.Context, upgradeID, reason string) (*contracts.UpgradeProposal, error) {
	p, err := c.Store.GetProposal(ctx, upgradeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("upgrade_not_found", "no such upgrade proposal")
		}
		return nil, kernelerr.Internal(err)
	}
	if p.Status != contracts.UpgradePending {
		return nil, kernelerr.Conflict("upgrade_not_pending", "upgrade is not pending")
	}
	if err := c.Store.RejectProposal(ctx, upgradeID, contracts.UpgradePending); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("upgrade_transition_conflict", "upgrade status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	p.Status = contracts.UpgradeRejected
	if _, err := c.Chain.Append(ctx, "upgrade.rejected", p, map[string]any{"tenantId": p.TenantID, "reason": reason}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
	}
	return p, nil
}

// Approve records approverID's sign-off on upgradeID. A repeated
// approval from the same approver is not an error: it returns the
// existing approval row, tolerating client retries.
func (c *Coordinator) Approve(ctx context.Context, upgradeID, approverID, signature, notes string) (*contracts.Approval, error) {
	if !c.Approvers[approverID] {
		p, _ := c.Store.GetProposal(ctx, upgradeID)
		tenantID := ""
		if p != nil {
			tenantID = p.TenantID
		}
		if _, err := c.Chain.Append(ctx, "upgrade.approval_rejected", map[string]any{"upgradeId": upgradeID, "approverId": approverID}, map[string]any{"tenantId": tenantID}); err != nil {
			return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
		}
		return nil, kernelerr.Validation("unauthorized_approver", "approver is not in the authorized approver set")
	}

	p, err := c.Store.GetProposal(ctx, upgradeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("upgrade_not_found", "no such upgrade proposal")
		}
		return nil, kernelerr.Internal(err)
	}
	if p.Status != contracts.UpgradePending && p.Status != contracts.UpgradeEmergencyApplied {
		return nil, kernelerr.Conflict("upgrade_not_open", "upgrade is not open for approval")
	}

	if existing, err := c.Store.GetApproval(ctx, upgradeID, approverID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, kernelerr.Internal(err)
	}

	approval := &contracts.Approval{
		ApprovalID: c.NewID(),
		UpgradeID:  upgradeID,
		ApproverID: approverID,
		Signature:  signature,
		Notes:      notes,
		ApprovedAt: c.Now(),
	}
	if err := c.Store.CreateApproval(ctx, approval); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			if existing, gerr := c.Store.GetApproval(ctx, upgradeID, approverID); gerr == nil {
				return existing, nil
			}
		}
		return nil, kernelerr.Internal(err)
	}
	if _, err := c.Chain.Append(ctx, "upgrade.approval", approval, map[string]any{"tenantId": p.TenantID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
	}
	return approval, nil
}

// ApproveWithCeremony is Approve preceded by a procedural ceremony
// check: the approver must have observed the timelock and minimum hold
// time, and (under a policy requiring it) completed a challenge/response
// round-trip, before the signature is accepted. Used by the Request
// Surface for HIGH/CRITICAL impact manifests; Approve remains the
// direct path for deployments that don't configure a Ceremony policy.
func (c *Coordinator) ApproveWithCeremony(ctx context.Context, upgradeID, approverID, signature, notes string, ceremony CeremonyRequest) (*contracts.Approval, error) {
	if c.Ceremony != nil {
		if err := validateCeremony(*c.Ceremony, ceremony, c.Now()); err != nil {
			return nil, err
		}
	}
	return c.Approve(ctx, upgradeID, approverID, signature, notes)
}

// distinctApproverCount counts the distinct authorized approvers who
// have signed off on upgradeID.
func (c *Coordinator) distinctApproverCount(ctx context.Context, upgradeID string) (int, error) {
	approvals, err := c.Store.ListApprovals(ctx, upgradeID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		seen[a.ApproverID] = true
	}
	return len(seen), nil
}

// Apply transitions upgradeID to applied once quorum is reached, and
// notifies the Manifest Engine so the dependent manifest may proceed.
func (c *Coordinator) Apply(ctx context.Context, upgradeID, appliedBy string) (*contracts.UpgradeProposal, error) {
	p, err := c.Store.GetProposal(ctx, upgradeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("upgrade_not_found", "no such upgrade proposal")
		}
		return nil, kernelerr.Internal(err)
	}
	if p.Status != contracts.UpgradePending {
		return nil, kernelerr.Conflict("upgrade_not_pending", "upgrade is not pending")
	}

	have, err := c.distinctApproverCount(ctx, upgradeID)
	if err != nil {
		return nil, kernelerr.Internal(err)
	}
	if have < c.Required {
		return nil, kernelerr.InsufficientQuorum(have, c.Required)
	}

	now := c.Now()
	if err := c.Store.ApplyProposal(ctx, upgradeID, appliedBy, now, contracts.UpgradePending); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("upgrade_transition_conflict", "upgrade status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	p.Status = contracts.UpgradeApplied
	p.AppliedBy = appliedBy
	p.AppliedAt = &now

	if err := c.Manifests.MarkMultisigApplied(ctx, p.ManifestID); err != nil {
		return nil, err
	}

	if _, err := c.Chain.Append(ctx, "upgrade.applied", p, map[string]any{"tenantId": p.TenantID, "approverCount": have}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
	}
	return p, nil
}

// EmergencyApply lets a SuperAdmin principal bypass quorum immediately,
// starting the ratification clock. actorRoles must contain superAdminRole.
func (c *Coordinator) EmergencyApply(ctx context.Context, upgradeID, appliedBy string, actorRoles []string, justification string) (*contracts.UpgradeProposal, error) {
	if !hasRole(actorRoles, superAdminRole) {
		return nil, kernelerr.Forbidden("emergency_apply_forbidden", "emergency apply requires the SuperAdmin role")
	}
	p, err := c.Store.GetProposal(ctx, upgradeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("upgrade_not_found", "no such upgrade proposal")
		}
		return nil, kernelerr.Internal(err)
	}
	if p.Status != contracts.UpgradePending {
		return nil, kernelerr.Conflict("upgrade_not_pending", "upgrade is not pending")
	}

	now := c.Now()
	deadline := now.Add(c.RatificationWindow)
	if err := c.Store.EmergencyApplyProposal(ctx, upgradeID, appliedBy, now, deadline, justification, contracts.UpgradePending); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("upgrade_transition_conflict", "upgrade status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	p.Status = contracts.UpgradeEmergencyApplied
	p.AppliedBy = appliedBy
	p.AppliedAt = &now
	p.EmergencyJustification = justification
	p.EmergencyRatificationDeadline = &deadline

	if err := c.Manifests.MarkMultisigApplied(ctx, p.ManifestID); err != nil {
		return nil, err
	}

	if _, err := c.Chain.Append(ctx, "upgrade.emergency_applied", p, map[string]any{"tenantId": p.TenantID}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
	}
	return p, nil
}

// Ratify transitions an emergency-applied upgrade to ratified once
// quorum has been collected, stopping the rollback clock.
func (c *Coordinator) Ratify(ctx context.Context, upgradeID string) (*contracts.UpgradeProposal, error) {
	p, err := c.Store.GetProposal(ctx, upgradeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kernelerr.NotFound("upgrade_not_found", "no such upgrade proposal")
		}
		return nil, kernelerr.Internal(err)
	}
	if p.Status != contracts.UpgradeEmergencyApplied {
		return nil, kernelerr.Preconditions("upgrade_not_emergency_applied", "upgrade is not awaiting ratification")
	}

	have, err := c.distinctApproverCount(ctx, upgradeID)
	if err != nil {
		return nil, kernelerr.Internal(err)
	}
	if have < c.Required {
		return nil, kernelerr.InsufficientQuorum(have, c.Required)
	}

	if err := c.Store.RatifyProposal(ctx, upgradeID, contracts.UpgradeEmergencyApplied); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, kernelerr.Conflict("upgrade_transition_conflict", "upgrade status changed concurrently")
		}
		return nil, kernelerr.Internal(err)
	}
	p.Status = contracts.UpgradeRatified

	if _, err := c.Chain.Append(ctx, "upgrade.ratified", p, map[string]any{"tenantId": p.TenantID, "approverCount": have}); err != nil {
		return nil, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
	}
	return p, nil
}

// CheckEmergencyRatificationTimeouts rolls back every emergency-applied
// proposal whose ratification deadline has passed without quorum. It is
// the operation the emergency-ratification-timer scheduler driver calls
// on a tick.
func (c *Coordinator) CheckEmergencyRatificationTimeouts(ctx context.Context) ([]*contracts.UpgradeProposal, error) {
	pending, err := c.Store.ListEmergencyApplied(ctx)
	if err != nil {
		return nil, kernelerr.Internal(err)
	}
	now := c.Now()
	var rolledBack []*contracts.UpgradeProposal
	for _, p := range pending {
		if p.EmergencyRatificationDeadline == nil || now.Before(*p.EmergencyRatificationDeadline) {
			continue
		}
		if err := c.Store.RollbackProposal(ctx, p.UpgradeID, contracts.UpgradeEmergencyApplied); err != nil {
			if errors.Is(err, ErrTransitionConflict) {
				continue
			}
			return rolledBack, kernelerr.Internal(err)
		}
		p.Status = contracts.UpgradeRolledBack

		if err := c.Manifests.RollbackApplied(ctx, p.ManifestID); err != nil {
			return rolledBack, err
		}
		if _, err := c.Chain.Append(ctx, "upgrade.rolled_back", p, map[string]any{"tenantId": p.TenantID}); err != nil {
			return rolledBack, kernelerr.Internal(fmt.Errorf("multisig: audit append: %w", err))
		}
		rolledBack = append(rolledBack, p)
	}
	return rolledBack, nil
}

func hasRole(roles []string, target string) bool {
	for _, r := range roles {
		if r == target {
			return true
		}
	}
	return false
}
