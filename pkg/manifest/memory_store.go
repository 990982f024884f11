package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node
// development, matching the teacher's in-memory ledger pattern
// generalized to two entity tables with conditional transitions.
type MemoryStore struct {
	mu         sync.Mutex
	packages   map[string]*contracts.Package
	manifests  map[string]*contracts.Manifest
	signatures map[string]*contracts.ManifestSignature
	history    map[string][]StatusHistoryEntry
	clock      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages:   make(map[string]*contracts.Package),
		manifests:  make(map[string]*contracts.Manifest),
		signatures: make(map[string]*contracts.ManifestSignature),
		history:    make(map[string][]StatusHistoryEntry),
		clock:      time.Now,
	}
}

// WithClock overrides the store's clock, for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) CreatePackage(ctx context.Context, pkg *contracts.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.packages[pkg.PackageID]; exists {
		return ErrTransitionConflict
	}
	cp := *pkg
	s.packages[pkg.PackageID] = &cp
	return nil
}

func (s *MemoryStore) GetPackage(ctx context.Context, packageID string) (*contracts.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindPackageBySubmitterKey(ctx context.Context, submitter, idempotencyKey string) (*contracts.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.packages {
		if p.Submitter == submitter && p.Metadata != nil && p.Metadata["submitterIdempotencyKey"] == idempotencyKey {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TransitionPackageStatus(ctx context.Context, packageID string, expected, next contracts.PackageStatus, reportRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != expected {
		return ErrTransitionConflict
	}
	p.Status = next
	if reportRef != "" {
		p.ValidationReportRef = reportRef
	}
	p.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) CreateManifest(ctx context.Context, m *contracts.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.manifests[m.ManifestID]; exists {
		return ErrTransitionConflict
	}
	cp := *m
	s.manifests[m.ManifestID] = &cp
	s.history[m.ManifestID] = append(s.history[m.ManifestID], StatusHistoryEntry{Status: m.Status, At: s.clock()})
	return nil
}

func (s *MemoryStore) GetManifest(ctx context.Context, manifestID string) (*contracts.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) TransitionManifestStatus(ctx context.Context, manifestID string, expected, next contracts.ManifestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[manifestID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != expected {
		return ErrTransitionConflict
	}
	m.Status = next
	m.UpdatedAt = s.clock()
	s.history[manifestID] = append(s.history[manifestID], StatusHistoryEntry{Status: next, At: m.UpdatedAt})
	return nil
}

func (s *MemoryStore) SetManifestSignature(ctx context.Context, manifestID, signatureID, upgradeID string, expected contracts.ManifestStatus, next contracts.ManifestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[manifestID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != expected {
		return ErrTransitionConflict
	}
	m.SignatureID = signatureID
	if upgradeID != "" {
		m.UpgradeID = upgradeID
	}
	m.Status = next
	m.UpdatedAt = s.clock()
	s.history[manifestID] = append(s.history[manifestID], StatusHistoryEntry{Status: next, At: m.UpdatedAt})
	return nil
}

func (s *MemoryStore) CreateSignature(ctx context.Context, sig *contracts.ManifestSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.signatures[sig.SignatureID] = &cp
	return nil
}

func (s *MemoryStore) GetSignature(ctx context.Context, signatureID string) (*contracts.ManifestSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signatures[signatureID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

func (s *MemoryStore) History(ctx context.Context, manifestID string) ([]StatusHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[manifestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]StatusHistoryEntry, len(h))
	copy(out, h)
	return out, nil
}
