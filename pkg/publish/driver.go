package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/contracts"
)

// ManifestLookup is the narrow view of the Manifest Engine the driver
// needs: the applied manifest's content to hand to a Publisher, and the
// completion callback once every target for a manifest has succeeded.
type ManifestLookup interface {
	GetManifest(ctx context.Context, manifestID string) (*contracts.Manifest, error)
	CompletePublishing(ctx context.Context, manifestID string) error
}

// Clock allows tests to control time.
type Clock func() time.Time

// Driver fans an applied manifest out to its publish targets and drains
// the retry queue. Each target gets an independent PublishTask row so a
// failing target never blocks the others' progress.
type Driver struct {
	Store       Store
	Manifests   ManifestLookup
	Chain       audit.Chain
	Publishers  map[contracts.PublishTarget]Publisher
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Limiter paces outbound attempts across all targets, protecting
	// downstream registries/marketplaces from a thundering herd of
	// retries releasing at once.
	Limiter *rate.Limiter
	Now     Clock
}

// NewDriver wires a Driver with the kernel's default backoff envelope:
// 10 attempts, 4m base doubling to a 6h cap, paced at 5 req/s.
func NewDriver(store Store, manifests ManifestLookup, chain audit.Chain, publishers []Publisher) *Driver {
	byTarget := make(map[contracts.PublishTarget]Publisher, len(publishers))
	for _, p := range publishers {
		byTarget[p.Target()] = p
	}
	return &Driver{
		Store:       store,
		Manifests:   manifests,
		Chain:       chain,
		Publishers:  byTarget,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   4 * time.Minute,
		MaxDelay:    6 * time.Hour,
		Limiter:     rate.NewLimiter(rate.Limit(5), 10),
		Now:         time.Now,
	}
}

// Schedule creates one PublishTask per target for a manifest that just
// applied. Idempotent: calling it again for the same manifest leaves
// existing rows untouched.
func (d *Driver) Schedule(ctx context.Context, tenantID, manifestID string, targets []contracts.PublishTarget) ([]*contracts.PublishTask, error) {
	tasks, err := d.Store.CreateTasks(ctx, tenantID, manifestID, targets, d.Now())
	if err != nil {
		return nil, err
	}
	if d.Chain != nil {
		if _, err := d.Chain.Append(ctx, "publish.scheduled", tasks, map[string]any{"tenantId": tenantID, "manifestId": manifestID}); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// DrainDue claims up to limit due tasks and attempts each once. It
// returns the number attempted; callers (the scheduler's publish-retry
// driver) loop this on an interval.
func (d *Driver) DrainDue(ctx context.Context, limit int) (int, error) {
	claimed, err := d.Store.ClaimDue(ctx, d.Now(), limit)
	if err != nil {
		return 0, err
	}
	for _, task := range claimed {
		if err := d.Limiter.Wait(ctx); err != nil {
			return len(claimed), err
		}
		d.attempt(ctx, task)
	}
	return len(claimed), nil
}

func (d *Driver) attempt(ctx context.Context, task *contracts.PublishTask) {
	now := d.Now()
	m, err := d.Manifests.GetManifest(ctx, task.ManifestID)
	if err != nil {
		d.recordFailure(ctx, task, now, fmt.Errorf("load manifest: %w", err), true)
		return
	}

	pub, ok := d.Publishers[task.Target]
	if !ok {
		d.recordFailure(ctx, task, now, fmt.Errorf("no publisher registered for target %s", task.Target), false)
		return
	}

	result := pub.Publish(ctx, task, m)
	switch result.Outcome {
	case OutcomeSuccess:
		d.recordSuccess(ctx, task, now, result.ProofRef)
	case OutcomeFatal:
		d.recordFailure(ctx, task, now, result.Err, false)
	default:
		d.recordFailure(ctx, task, now, result.Err, true)
	}
}

// Notify records an outcome reported by an inbound publisher callback
// (POST /publish/notify) against an existing PublishTask. It never
// creates tasks — those are created by Schedule at apply time — it only
// advances a task already claimed by this driver or left in_flight by a
// prior attempt.
func (d *Driver) Notify(ctx context.Context, taskID string, status contracts.PublishTaskStatus, proofRef, lastErr string) error {
	task, err := d.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := d.Now()
	switch status {
	case contracts.PublishSucceeded:
		d.recordSuccess(ctx, task, now, proofRef)
	case contracts.PublishFailedFatal:
		d.recordFailure(ctx, task, now, errors.New(lastErr), false)
	default:
		d.recordFailure(ctx, task, now, errors.New(lastErr), true)
	}
	return nil
}

func (d *Driver) recordSuccess(ctx context.Context, task *contracts.PublishTask, now time.Time, proofRef string) {
	if err := d.Store.MarkSucceeded(ctx, task.TaskID, proofRef, now, contracts.PublishInFlight); err != nil {
		return
	}
	if d.Chain != nil {
		_, _ = d.Chain.Append(ctx, "publish.target.completed", task, map[string]any{"tenantId": task.TenantID, "target": task.Target, "proofRef": proofRef})
	}
	d.checkCompletion(ctx, task)
}

// checkCompletion loads every task for task's manifest and, once every
// one of them has reached succeeded, emits publish.completed and drives
// the manifest's publishing -> published transition. If any task has
// already reached failed_fatal it does nothing further: the manifest
// does not transition past publishing for a manifest with a fatally
// failed target.
func (d *Driver) checkCompletion(ctx context.Context, task *contracts.PublishTask) {
	tasks, err := d.Store.ListTasksForManifest(ctx, task.ManifestID)
	if err != nil {
		return
	}
	allSucceeded := true
	for _, t := range tasks {
		if t.Status == contracts.PublishFailedFatal {
			return
		}
		if t.Status != contracts.PublishSucceeded {
			allSucceeded = false
		}
	}
	if !allSucceeded {
		return
	}

	if d.Chain != nil {
		_, _ = d.Chain.Append(ctx, "publish.completed", tasks, map[string]any{"tenantId": task.TenantID, "manifestId": task.ManifestID})
	}
	if d.Manifests != nil {
		_ = d.Manifests.CompletePublishing(ctx, task.ManifestID)
	}
}

func (d *Driver) recordFailure(ctx context.Context, task *contracts.PublishTask, now time.Time, cause error, retryable bool) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if retryable && task.Attempts < d.MaxAttempts {
		next := now.Add(backoffSchedule(task.Attempts, d.BaseDelay, d.MaxDelay))
		if err := d.Store.MarkRetry(ctx, task.TaskID, msg, next, now, contracts.PublishInFlight); err != nil {
			return
		}
		if d.Chain != nil {
			_, _ = d.Chain.Append(ctx, "publish.retry_scheduled", task, map[string]any{"tenantId": task.TenantID, "target": task.Target, "attempt": task.Attempts, "nextAttemptAt": next})
		}
		return
	}
	if err := d.Store.MarkFatal(ctx, task.TaskID, msg, now, contracts.PublishInFlight); err != nil {
		return
	}
	if d.Chain != nil {
		_, _ = d.Chain.Append(ctx, "publish.failed", task, map[string]any{"tenantId": task.TenantID, "target": task.Target, "attempts": task.Attempts})
	}
}
