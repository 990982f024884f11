// Package multisig implements the Multisig Coordinator: m-of-n approval
// over HIGH/CRITICAL impact manifests, plus the emergency-apply and
// ratification-or-rollback escape hatch for incidents that cannot wait
// on quorum.
package multisig

import (
	"context"
	"errors"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// ErrNotFound is returned by Store lookups that find nothing.
var ErrNotFound = errors.New("multisig: not found")

// ErrTransitionConflict is returned when a conditional status transition
// loses the race, or a duplicate upgradeId is submitted.
var ErrTransitionConflict = errors.New("multisig: status transition conflict")

// Store is the persistence interface the Coordinator programs against.
// Every status transition is conditional on the proposal's current
// status, mirroring the Manifest Engine's CAS idiom.
type Store interface {
	CreateProposal(ctx context.Context, p *contracts.UpgradeProposal) error
	GetProposal(ctx context.Context, upgradeID string) (*contracts.UpgradeProposal, error)

	ApplyProposal(ctx context.Context, upgradeID, appliedBy string, appliedAt time.Time, expected contracts.UpgradeStatus) error
	EmergencyApplyProposal(ctx context.Context, upgradeID, appliedBy string, appliedAt, deadline time.Time, justification string, expected contracts.UpgradeStatus) error
	RatifyProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error
	RollbackProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error
	RejectProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error

	CreateApproval(ctx context.Context, a *contracts.Approval) error
	// GetApproval returns ErrNotFound if approverID has not yet approved
	// upgradeID, supporting Approve's idempotent-duplicate contract.
	GetApproval(ctx context.Context, upgradeID, approverID string) (*contracts.Approval, error)
	ListApprovals(ctx context.Context, upgradeID string) ([]*contracts.Approval, error)

	// ListEmergencyApplied returns every proposal currently in
	// emergency_applied status, for the emergency-ratification-timer
	// scheduler driver to scan for expired deadlines.
	ListEmergencyApplied(ctx context.Context) ([]*contracts.UpgradeProposal, error)
}
