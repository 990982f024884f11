package publish_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/publish"
	"github.com/foundryrelease/kernel/pkg/signer"
)

const driverTestKid = "publish-kid"

type stubManifests struct {
	manifests map[string]*contracts.Manifest
	completed []string
}

func (s *stubManifests) GetManifest(ctx context.Context, manifestID string) (*contracts.Manifest, error) {
	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, errors.New("not found")
	}
	return m, nil
}

func (s *stubManifests) CompletePublishing(ctx context.Context, manifestID string) error {
	s.completed = append(s.completed, manifestID)
	return nil
}

type stubPublisher struct {
	target  contracts.PublishTarget
	results []publish.Result
	calls   int
}

func (p *stubPublisher) Target() contracts.PublishTarget { return p.target }

func (p *stubPublisher) Publish(ctx context.Context, task *contracts.PublishTask, m *contracts.Manifest) publish.Result {
	r := p.results[p.calls]
	if p.calls < len(p.results)-1 {
		p.calls++
	}
	return r
}

func newTestDriver(t *testing.T, publishers ...publish.Publisher) (*publish.Driver, publish.Store, *stubManifests) {
	t.Helper()
	gw := signer.NewLocalGateway()
	if err := gw.GenerateKey(driverTestKid); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	reg := signer.NewRegistry(gw, time.Minute)
	chain := audit.NewMemoryChain(gw, reg, driverTestKid, nil)
	store := publish.NewMemoryStore()
	manifests := &stubManifests{manifests: map[string]*contracts.Manifest{
		"manifest-1": {ManifestID: "manifest-1", Status: contracts.ManifestApplied},
	}}
	d := publish.NewDriver(store, manifests, chain, publishers)
	d.Limiter = rate.NewLimiter(rate.Inf, 1)
	return d, store, manifests
}

func TestSchedule_IsIdempotentPerManifestTarget(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDriver(t)

	first, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo, contracts.TargetMarketplace})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(first))
	}

	second, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo, contracts.TargetMarketplace})
	if err != nil {
		t.Fatalf("schedule again: %v", err)
	}
	if second[0].TaskID != first[0].TaskID || second[1].TaskID != first[1].TaskID {
		t.Fatalf("expected same task ids on re-schedule")
	}

	all, err := store.ListTasksForManifest(ctx, "manifest-1")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 rows persisted, got %d err %v", len(all), err)
	}
}

func TestDrainDue_SucceedsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	pub := &stubPublisher{target: contracts.TargetRepo, results: []publish.Result{{Outcome: publish.OutcomeSuccess, ProofRef: "proof-1"}}}
	d, store, manifests := newTestDriver(t, pub)

	if _, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := d.DrainDue(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task attempted, got %d", n)
	}

	tasks, _ := store.ListTasksForManifest(ctx, "manifest-1")
	if tasks[0].Status != contracts.PublishSucceeded || tasks[0].ProofRef != "proof-1" {
		t.Fatalf("expected succeeded with proof ref, got %+v", tasks[0])
	}
	if len(manifests.completed) != 1 || manifests.completed[0] != "manifest-1" {
		t.Fatalf("expected CompletePublishing called once for manifest-1, got %v", manifests.completed)
	}
}

func TestDrainDue_CompletionWaitsForEveryTarget(t *testing.T) {
	ctx := context.Background()
	repo := &stubPublisher{target: contracts.TargetRepo, results: []publish.Result{{Outcome: publish.OutcomeSuccess, ProofRef: "repo-proof"}}}
	marketplace := &stubPublisher{target: contracts.TargetMarketplace, results: []publish.Result{{Outcome: publish.OutcomeRetryable, Err: errors.New("timeout")}, {Outcome: publish.OutcomeSuccess, ProofRef: "marketplace-proof"}}}
	d, store, manifests := newTestDriver(t, repo, marketplace)
	d.BaseDelay = time.Millisecond
	d.MaxDelay = time.Millisecond

	if _, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo, contracts.TargetMarketplace}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if _, err := d.DrainDue(ctx, 10); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(manifests.completed) != 0 {
		t.Fatalf("expected no completion while marketplace is still retrying, got %v", manifests.completed)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := d.DrainDue(ctx, 10); err != nil {
		t.Fatalf("drain again: %v", err)
	}

	tasks, _ := store.ListTasksForManifest(ctx, "manifest-1")
	for _, task := range tasks {
		if task.Status != contracts.PublishSucceeded {
			t.Fatalf("expected every target succeeded, got %+v", task)
		}
	}
	if len(manifests.completed) != 1 || manifests.completed[0] != "manifest-1" {
		t.Fatalf("expected CompletePublishing called once all targets succeeded, got %v", manifests.completed)
	}
}

func TestNotify_UpdatesExistingTaskWithoutCreatingNew(t *testing.T) {
	ctx := context.Background()
	d, store, manifests := newTestDriver(t)

	tasks, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	taskID := tasks[0].TaskID

	if err := d.Notify(ctx, taskID, contracts.PublishSucceeded, "proof-from-callback", ""); err != nil {
		t.Fatalf("notify: %v", err)
	}

	all, err := store.ListTasksForManifest(ctx, "manifest-1")
	if err != nil || len(all) != 1 {
		t.Fatalf("expected notify to update the existing task, not create one, got %d rows err %v", len(all), err)
	}
	if all[0].Status != contracts.PublishSucceeded || all[0].ProofRef != "proof-from-callback" {
		t.Fatalf("expected task marked succeeded with callback proof ref, got %+v", all[0])
	}
	if len(manifests.completed) != 1 {
		t.Fatalf("expected CompletePublishing called via notify, got %v", manifests.completed)
	}
}

func TestDrainDue_RetryableFailureReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	pub := &stubPublisher{target: contracts.TargetRepo, results: []publish.Result{{Outcome: publish.OutcomeRetryable, Err: errors.New("timeout")}}}
	d, store, _ := newTestDriver(t, pub)
	d.BaseDelay = time.Second
	d.MaxDelay = time.Minute

	if _, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := d.DrainDue(ctx, 10); err != nil {
		t.Fatalf("drain: %v", err)
	}

	tasks, _ := store.ListTasksForManifest(ctx, "manifest-1")
	task := tasks[0]
	if task.Status != contracts.PublishFailedRetryable {
		t.Fatalf("expected failed_retryable, got %s", task.Status)
	}
	if !task.NextAttemptAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("expected next attempt scheduled in the future, got %v", task.NextAttemptAt)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", task.Attempts)
	}

	// not yet due
	n, err := d.DrainDue(ctx, 10)
	if err != nil {
		t.Fatalf("drain again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 claimed before next_attempt_at, got %d", n)
	}
}

func TestDrainDue_FatalFailureStopsRetrying(t *testing.T) {
	ctx := context.Background()
	pub := &stubPublisher{target: contracts.TargetRepo, results: []publish.Result{{Outcome: publish.OutcomeFatal, Err: errors.New("rejected: bad signature")}}}
	d, store, _ := newTestDriver(t, pub)

	if _, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := d.DrainDue(ctx, 10); err != nil {
		t.Fatalf("drain: %v", err)
	}

	tasks, _ := store.ListTasksForManifest(ctx, "manifest-1")
	if tasks[0].Status != contracts.PublishFailedFatal {
		t.Fatalf("expected failed_fatal, got %s", tasks[0].Status)
	}

	n, err := d.DrainDue(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("expected fatal task never reclaimed, got n=%d err=%v", n, err)
	}
}

func TestDrainDue_ExhaustsMaxAttemptsThenFatal(t *testing.T) {
	ctx := context.Background()
	pub := &stubPublisher{target: contracts.TargetRepo, results: []publish.Result{{Outcome: publish.OutcomeRetryable, Err: errors.New("timeout")}}}
	d, store, _ := newTestDriver(t, pub)
	d.MaxAttempts = 2
	d.BaseDelay = time.Millisecond
	d.MaxDelay = time.Millisecond

	if _, err := d.Schedule(ctx, "tenant-a", "manifest-1", []contracts.PublishTarget{contracts.TargetRepo}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	for i := 0; i < 2; i++ {
		time.Sleep(2 * time.Millisecond)
		if _, err := d.DrainDue(ctx, 10); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	tasks, _ := store.ListTasksForManifest(ctx, "manifest-1")
	if tasks[0].Status != contracts.PublishFailedFatal {
		t.Fatalf("expected failed_fatal after exhausting attempts, got %s (attempts=%d)", tasks[0].Status, tasks[0].Attempts)
	}
}
