// Package manifest implements the Manifest Engine: it owns the package
// and manifest lifecycle state machines, persists manifests and their
// signatures, and drives the transitions the Request Surface and
// Scheduler call into.
package manifest

import (
	"context"
	"errors"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// ErrNotFound is returned by Store lookups that find nothing.
var ErrNotFound = errors.New("manifest: not found")

// ErrTransitionConflict is returned when a conditional status transition
// loses the race — the row's current status no longer matches the
// caller's expected status. Callers surface this as kernelerr.Conflict.
var ErrTransitionConflict = errors.New("manifest: status transition conflict")

// Store is the persistence interface the Engine programs against. Every
// status transition is conditional: it only succeeds if the row's
// current status still matches `expected`, giving the
// "UPDATE ... WHERE status=$expected" idiom exactly one winner under
// concurrent callers.
type Store interface {
	CreatePackage(ctx context.Context, pkg *contracts.Package) error
	GetPackage(ctx context.Context, packageID string) (*contracts.Package, error)
	// FindPackageBySubmitterKey supports SubmitPackage's idempotency-on-
	// submitter-supplied-key contract without routing through the
	// general idempotency store (the key here is a domain key, not an
	// HTTP Idempotency-Key header).
	FindPackageBySubmitterKey(ctx context.Context, submitter, idempotencyKey string) (*contracts.Package, error)
	TransitionPackageStatus(ctx context.Context, packageID string, expected, next contracts.PackageStatus, reportRef string) error

	CreateManifest(ctx context.Context, m *contracts.Manifest) error
	GetManifest(ctx context.Context, manifestID string) (*contracts.Manifest, error)
	TransitionManifestStatus(ctx context.Context, manifestID string, expected, next contracts.ManifestStatus) error
	SetManifestSignature(ctx context.Context, manifestID, signatureID, upgradeID string, expected contracts.ManifestStatus, next contracts.ManifestStatus) error

	CreateSignature(ctx context.Context, sig *contracts.ManifestSignature) error
	GetSignature(ctx context.Context, signatureID string) (*contracts.ManifestSignature, error)

	// History returns the manifest's status history for GET .../status,
	// oldest first. Implementations that don't track history return the
	// current status as a single entry.
	History(ctx context.Context, manifestID string) ([]StatusHistoryEntry, error)
}

// StatusHistoryEntry is one recorded manifest status change.
type StatusHistoryEntry struct {
	Status contracts.ManifestStatus
	At     time.Time
}
