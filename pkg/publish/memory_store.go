package publish

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node
// development.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*contracts.PublishTask
	// byManifestTarget prevents CreateTasks from double-scheduling the
	// same (manifest, target) pair.
	byManifestTarget map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:            make(map[string]*contracts.PublishTask),
		byManifestTarget: make(map[string]string),
	}
}

func manifestTargetKey(manifestID string, target contracts.PublishTarget) string {
	return manifestID + "|" + string(target)
}

func (s *MemoryStore) CreateTasks(ctx context.Context, tenantID, manifestID string, targets []contracts.PublishTarget, now time.Time) ([]*contracts.PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*contracts.PublishTask, 0, len(targets))
	for _, target := range targets {
		key := manifestTargetKey(manifestID, target)
		if taskID, exists := s.byManifestTarget[key]; exists {
			cp := *s.tasks[taskID]
			out = append(out, &cp)
			continue
		}
		task := &contracts.PublishTask{
			TaskID:        uuid.NewString(),
			TenantID:      tenantID,
			ManifestID:    manifestID,
			Target:        target,
			Status:        contracts.PublishPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.tasks[task.TaskID] = task
		s.byManifestTarget[key] = task.TaskID
		cp := *task
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*contracts.PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksForManifest(ctx context.Context, manifestID string) ([]*contracts.PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.PublishTask
	for _, t := range s.tasks {
		if t.ManifestID == manifestID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*contracts.PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var claimed []*contracts.PublishTask
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		t := s.tasks[id]
		due := t.Status == contracts.PublishPending || t.Status == contracts.PublishFailedRetryable
		if !due || t.NextAttemptAt.After(now) {
			continue
		}
		t.Status = contracts.PublishInFlight
		t.Attempts++
		t.UpdatedAt = now
		cp := *t
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) transition(taskID string, expected contracts.PublishTaskStatus, mutate func(*contracts.PublishTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != expected {
		return ErrTransitionConflict
	}
	mutate(t)
	return nil
}

func (s *MemoryStore) MarkSucceeded(ctx context.Context, taskID string, proofRef string, now time.Time, expected contracts.PublishTaskStatus) error {
	return s.transition(taskID, expected, func(t *contracts.PublishTask) {
		t.Status = contracts.PublishSucceeded
		t.ProofRef = proofRef
		t.LastError = ""
		t.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, taskID string, lastErr string, nextAttemptAt time.Time, now time.Time, expected contracts.PublishTaskStatus) error {
	return s.transition(taskID, expected, func(t *contracts.PublishTask) {
		t.Status = contracts.PublishFailedRetryable
		t.LastError = lastErr
		t.NextAttemptAt = nextAttemptAt
		t.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkFatal(ctx context.Context, taskID string, lastErr string, now time.Time, expected contracts.PublishTaskStatus) error {
	return s.transition(taskID, expected, func(t *contracts.PublishTask) {
		t.Status = contracts.PublishFailedFatal
		t.LastError = lastErr
		t.UpdatedAt = now
	})
}
