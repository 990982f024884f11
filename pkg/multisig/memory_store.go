package multisig

import (
	"context"
	"sync"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node
// development.
type MemoryStore struct {
	mu        sync.Mutex
	proposals map[string]*contracts.UpgradeProposal
	approvals map[string]map[string]*contracts.Approval // upgradeID -> approverID -> approval
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]*contracts.UpgradeProposal),
		approvals: make(map[string]map[string]*contracts.Approval),
	}
}

func (s *MemoryStore) CreateProposal(ctx context.Context, p *contracts.UpgradeProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.UpgradeID]; exists {
		return ErrTransitionConflict
	}
	cp := *p
	s.proposals[p.UpgradeID] = &cp
	return nil
}

func (s *MemoryStore) GetProposal(ctx context.Context, upgradeID string) (*contracts.UpgradeProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[upgradeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) transition(upgradeID string, expected contracts.UpgradeStatus, mutate func(*contracts.UpgradeProposal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[upgradeID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != expected {
		return ErrTransitionConflict
	}
	mutate(p)
	return nil
}

func (s *MemoryStore) ApplyProposal(ctx context.Context, upgradeID, appliedBy string, appliedAt time.Time, expected contracts.UpgradeStatus) error {
	return s.transition(upgradeID, expected, func(p *contracts.UpgradeProposal) {
		p.Status = contracts.UpgradeApplied
		p.AppliedBy = appliedBy
		t := appliedAt
		p.AppliedAt = &t
	})
}

func (s *MemoryStore) EmergencyApplyProposal(ctx context.Context, upgradeID, appliedBy string, appliedAt, deadline time.Time, justification string, expected contracts.UpgradeStatus) error {
	return s.transition(upgradeID, expected, func(p *contracts.UpgradeProposal) {
		p.Status = contracts.UpgradeEmergencyApplied
		p.AppliedBy = appliedBy
		t := appliedAt
		p.AppliedAt = &t
		p.EmergencyJustification = justification
		d := deadline
		p.EmergencyRatificationDeadline = &d
	})
}

func (s *MemoryStore) RatifyProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error {
	return s.transition(upgradeID, expected, func(p *contracts.UpgradeProposal) {
		p.Status = contracts.UpgradeRatified
	})
}

func (s *MemoryStore) RollbackProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error {
	return s.transition(upgradeID, expected, func(p *contracts.UpgradeProposal) {
		p.Status = contracts.UpgradeRolledBack
	})
}

func (s *MemoryStore) RejectProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error {
	return s.transition(upgradeID, expected, func(p *contracts.UpgradeProposal) {
		p.Status = contracts.UpgradeRejected
	})
}

func (s *MemoryStore) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byApprover, ok := s.approvals[a.UpgradeID]
	if !ok {
		byApprover = make(map[string]*contracts.Approval)
		s.approvals[a.UpgradeID] = byApprover
	}
	if _, exists := byApprover[a.ApproverID]; exists {
		return ErrTransitionConflict
	}
	cp := *a
	byApprover[a.ApproverID] = &cp
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, upgradeID, approverID string) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byApprover, ok := s.approvals[upgradeID]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := byApprover[approverID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, upgradeID string) ([]*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byApprover := s.approvals[upgradeID]
	out := make([]*contracts.Approval, 0, len(byApprover))
	for _, a := range byApprover {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListEmergencyApplied(ctx context.Context) ([]*contracts.UpgradeProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.UpgradeProposal
	for _, p := range s.proposals {
		if p.Status == contracts.UpgradeEmergencyApplied {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
