// Package contracts defines the domain entities shared across the kernel:
// packages, manifests, signatures, audit events, upgrade proposals,
// approvals, idempotency records and publish tasks. Each type has a
// single owning component, named in its doc comment; no type is owned
// by two components.
package contracts

import "time"

// PackageStatus is the lifecycle status of a submitted Package.
type PackageStatus string

const (
	PackageSubmitted  PackageStatus = "submitted"
	PackageValidating PackageStatus = "validating"
	PackageValidated  PackageStatus = "validated"
	PackageFailed     PackageStatus = "failed"
)

// Package is an opaque product submission awaiting validation.
// Owned by the Manifest Engine.
type Package struct {
	PackageID           string            `json:"packageId"`
	TenantID            string            `json:"tenantId,omitempty"`
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	ArtifactRef          string            `json:"artifactRef"`
	SHA256               string            `json:"sha256"`
	Submitter            string            `json:"submitter"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	Status               PackageStatus     `json:"status"`
	ValidationReportRef   string           `json:"validationReportRef,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// Impact is the risk classification of a Manifest. The zero value is
// invalid; every manifest must carry one of the four named levels.
type Impact string

const (
	ImpactLow      Impact = "LOW"
	ImpactMedium   Impact = "MEDIUM"
	ImpactHigh     Impact = "HIGH"
	ImpactCritical Impact = "CRITICAL"
)

// impactRank gives Impact its fixed total order: LOW < MEDIUM < HIGH < CRITICAL.
var impactRank = map[Impact]int{
	ImpactLow:      0,
	ImpactMedium:   1,
	ImpactHigh:     2,
	ImpactCritical: 3,
}

// Valid reports whether i is one of the four recognized impact levels.
func (i Impact) Valid() bool {
	_, ok := impactRank[i]
	return ok
}

// RequiresMultisig reports whether manifests of this impact must transit
// through the multisig coordinator before they may apply.
func (i Impact) RequiresMultisig() bool {
	return i == ImpactHigh || i == ImpactCritical
}

// Less reports whether i ranks below other in the fixed impact ordering.
// Both values must be Valid(); callers are expected to reject unknown
// impact values at the boundary (manifest draft creation).
func (i Impact) Less(other Impact) bool {
	return impactRank[i] < impactRank[other]
}

// ManifestStatus enumerates the manifest lifecycle states from §4.6.
type ManifestStatus string

const (
	ManifestDraft             ManifestStatus = "draft"
	ManifestPendingValidation ManifestStatus = "pending_validation"
	ManifestValidated         ManifestStatus = "validated"
	ManifestSigned            ManifestStatus = "signed"
	ManifestPendingMultisig   ManifestStatus = "pending_multisig"
	ManifestMultisigApplied   ManifestStatus = "multisig_applied"
	ManifestApplying          ManifestStatus = "applying"
	ManifestApplied           ManifestStatus = "applied"
	ManifestPublishing        ManifestStatus = "publishing"
	ManifestPublished         ManifestStatus = "published"
	ManifestFailed            ManifestStatus = "failed"
	ManifestRolledBack        ManifestStatus = "rolled_back"
)

// Manifest is a canonical, signable description of a release action
// against a target. Owned by the Manifest Engine.
type Manifest struct {
	ManifestID     string         `json:"manifestId"`
	TenantID       string         `json:"tenantId,omitempty"`
	PackageID      string         `json:"packageId"`
	Target         map[string]any `json:"target"`
	Impact         Impact         `json:"impact"`
	Rationale      string         `json:"rationale"`
	Preconditions  []string       `json:"preconditions,omitempty"`
	ApplyStrategy  map[string]any `json:"applyStrategy,omitempty"`
	Status         ManifestStatus `json:"status"`
	SignatureID    string         `json:"signatureId,omitempty"`
	UpgradeID      string         `json:"upgradeId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// CanonicalForm returns the subset of the manifest that is hashed and
// signed. Status, timestamps and the signature/upgrade back-references
// are excluded deliberately: they mutate after signing, while the
// signed content must not.
func (m *Manifest) CanonicalForm() map[string]any {
	return map[string]any{
		"manifestId":    m.ManifestID,
		"packageId":     m.PackageID,
		"target":        m.Target,
		"impact":        string(m.Impact),
		"rationale":     m.Rationale,
		"preconditions": m.Preconditions,
		"applyStrategy": m.ApplyStrategy,
	}
}

// ManifestSignature is an immutable detached signature over a manifest's
// canonical hash, produced by the Signing Gateway. Owned by the Manifest
// Engine (persisted alongside the manifest it signs).
type ManifestSignature struct {
	SignatureID    string    `json:"signatureId"`
	ManifestID     string    `json:"manifestId"`
	SignerKid      string    `json:"signerKid"`
	SignatureBytes []byte    `json:"signatureBytes"`
	CanonicalHash  string    `json:"canonicalHash"`
	SignedAt       time.Time `json:"signedAt"`
}

// AuditEventStreamStatus is an event's export state. Every chain stores a
// new event as StreamPending; no code in the kernel moves an event to
// another state, and the audit-export driver does not read it.
type AuditEventStreamStatus string

const (
	StreamPending    AuditEventStreamStatus = "pending"
	StreamInProgress AuditEventStreamStatus = "in_progress"
	StreamComplete   AuditEventStreamStatus = "complete"
	StreamRetry      AuditEventStreamStatus = "retry"
	StreamFailed     AuditEventStreamStatus = "failed"
)

// AuditEvent is one entry in the append-only, hash-chained audit log.
// Owned by the Audit Chain.
type AuditEvent struct {
	EventID        string                 `json:"eventId"`
	TenantID       string                 `json:"tenantId,omitempty"`
	EventType      string                 `json:"eventType"`
	Payload        []byte                 `json:"payload"`
	PrevHash       string                 `json:"prevHash"`
	Hash           string                 `json:"hash"`
	Signature      []byte                 `json:"signature"`
	SignerKid      string                 `json:"signerKid"`
	Timestamp      time.Time              `json:"ts"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	StreamStatus   AuditEventStreamStatus `json:"streamStatus"`
	StreamAttempts int                    `json:"streamAttempts"`
}

// UpgradeStatus enumerates the multisig upgrade proposal lifecycle.
type UpgradeStatus string

const (
	UpgradePending          UpgradeStatus = "pending"
	UpgradeApplied          UpgradeStatus = "applied"
	UpgradeRejected         UpgradeStatus = "rejected"
	UpgradeEmergencyApplied UpgradeStatus = "emergency_applied"
	UpgradeRatified         UpgradeStatus = "ratified"
	UpgradeRolledBack       UpgradeStatus = "rolled_back"
)

// UpgradeProposal is the multisig-coordinated wrapper around a
// high-impact manifest. Owned by the Multisig Coordinator.
type UpgradeProposal struct {
	UpgradeID                    string        `json:"upgradeId"`
	TenantID                     string        `json:"tenantId,omitempty"`
	ManifestID                   string        `json:"manifestId"`
	SubmittedBy                  string        `json:"submittedBy"`
	SubmittedAt                  time.Time     `json:"submittedAt"`
	Status                       UpgradeStatus `json:"status"`
	AppliedBy                    string        `json:"appliedBy,omitempty"`
	AppliedAt                    *time.Time    `json:"appliedAt,omitempty"`
	EmergencyJustification       string        `json:"emergencyJustification,omitempty"`
	EmergencyRatificationDeadline *time.Time   `json:"emergencyRatificationDeadline,omitempty"`
}

// Approval is one approver's signed sign-off on an UpgradeProposal.
// (UpgradeID, ApproverID) is unique. Owned by the Multisig Coordinator.
type Approval struct {
	ApprovalID string    `json:"approvalId"`
	UpgradeID  string    `json:"upgradeId"`
	ApproverID string    `json:"approverId"`
	Signature  string    `json:"signature"`
	Notes      string    `json:"notes,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// IdempotencyRecord binds a caller-supplied (method, path, key) to the
// response it produced, for safe retry of mutating requests. Owned by
// the Idempotency Store.
type IdempotencyRecord struct {
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Key            string    `json:"key"`
	RequestHash    string    `json:"requestHash"`
	ResponseStatus int       `json:"responseStatus"`
	ResponseBody   []byte    `json:"responseBody"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// PublishTarget enumerates the external collaborators the Publisher
// Driver fans out to after a manifest applies.
type PublishTarget string

const (
	TargetRepo        PublishTarget = "repo"
	TargetMarketplace PublishTarget = "marketplace"
	TargetDelivery    PublishTarget = "delivery"
)

// PublishTaskStatus enumerates a PublishTask's lifecycle.
type PublishTaskStatus string

const (
	PublishPending         PublishTaskStatus = "pending"
	PublishInFlight        PublishTaskStatus = "in_flight"
	PublishSucceeded       PublishTaskStatus = "succeeded"
	PublishFailedRetryable PublishTaskStatus = "failed_retryable"
	PublishFailedFatal     PublishTaskStatus = "failed_fatal"
)

// PublishTask is one target's independent publish attempt for an applied
// manifest. Owned by the Publisher Driver.
type PublishTask struct {
	TaskID        string            `json:"taskId"`
	TenantID      string            `json:"tenantId,omitempty"`
	ManifestID    string            `json:"manifestId"`
	Target        PublishTarget     `json:"target"`
	Status        PublishTaskStatus `json:"status"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"nextAttemptAt"`
	LastError     string            `json:"lastError,omitempty"`
	ProofRef      string            `json:"proofRef,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}
