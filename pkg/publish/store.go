// Package publish implements the Publisher Driver: fan-out of an applied
// manifest to its external publish targets (repo, marketplace, delivery),
// with independent per-target retry state and exponential backoff.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// ErrNotFound is returned when a lookup finds no matching task.
var ErrNotFound = errors.New("publish: task not found")

// ErrTransitionConflict is returned when a conditional update's expected
// status no longer matches — the row was already moved by a concurrent
// claim or retry.
var ErrTransitionConflict = errors.New("publish: transition conflict")

// Store persists PublishTask rows. Every target a manifest publishes to
// gets its own independent row so a slow or failing target never blocks
// the others.
type Store interface {
	// CreateTasks schedules one task per target for a manifest. It is
	// idempotent on (manifestID, target): calling it twice for the same
	// manifest is a no-op for targets that already have a row.
	CreateTasks(ctx context.Context, tenantID, manifestID string, targets []contracts.PublishTarget, now time.Time) ([]*contracts.PublishTask, error)
	GetTask(ctx context.Context, taskID string) (*contracts.PublishTask, error)
	ListTasksForManifest(ctx context.Context, manifestID string) ([]*contracts.PublishTask, error)

	// ClaimDue returns up to limit tasks that are pending or
	// failed_retryable with NextAttemptAt <= now, atomically marking them
	// in_flight so a second driver instance won't claim the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*contracts.PublishTask, error)

	// MarkSucceeded and MarkRetry/MarkFatal record the outcome of an
	// attempt. expected must match the row's current status (in_flight
	// for a task just claimed) or ErrTransitionConflict is returned.
	MarkSucceeded(ctx context.Context, taskID string, proofRef string, now time.Time, expected contracts.PublishTaskStatus) error
	MarkRetry(ctx context.Context, taskID string, lastErr string, nextAttemptAt time.Time, now time.Time, expected contracts.PublishTaskStatus) error
	MarkFatal(ctx context.Context, taskID string, lastErr string, now time.Time, expected contracts.PublishTaskStatus) error
}
