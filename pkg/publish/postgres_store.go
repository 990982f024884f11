package publish

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

const pgPublishSchema = `
CREATE TABLE IF NOT EXISTS publish_tasks (
	task_id          TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL DEFAULT '',
	manifest_id      TEXT NOT NULL,
	target           TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INT NOT NULL DEFAULT 0,
	next_attempt_at  TIMESTAMPTZ NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	proof_ref        TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (manifest_id, target)
);
`

// PostgresStore is a durable Store backed by PostgreSQL. ClaimDue uses
// FOR UPDATE SKIP LOCKED so multiple scheduler instances can drain the
// same queue without double-claiming a row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema if it doesn't already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgPublishSchema)
	return err
}

func (s *PostgresStore) CreateTasks(ctx context.Context, tenantID, manifestID string, targets []contracts.PublishTarget, now time.Time) ([]*contracts.PublishTask, error) {
	out := make([]*contracts.PublishTask, 0, len(targets))
	for _, target := range targets {
		taskID := uuid.NewString()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO publish_tasks (task_id, tenant_id, manifest_id, target, status, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (manifest_id, target) DO NOTHING`,
			taskID, tenantID, manifestID, target, contracts.PublishPending, now, now)
		if err != nil {
			return nil, err
		}
		t, err := s.getByManifestTarget(ctx, manifestID, target)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) getByManifestTarget(ctx context.Context, manifestID string, target contracts.PublishTarget) (*contracts.PublishTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, tenant_id, manifest_id, target, status, attempts, next_attempt_at, last_error, proof_ref, created_at, updated_at
		FROM publish_tasks WHERE manifest_id = $1 AND target = $2`, manifestID, target)
	return scanTask(row)
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*contracts.PublishTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, tenant_id, manifest_id, target, status, attempts, next_attempt_at, last_error, proof_ref, created_at, updated_at
		FROM publish_tasks WHERE task_id = $1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksForManifest(ctx context.Context, manifestID string) ([]*contracts.PublishTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, tenant_id, manifest_id, target, status, attempts, next_attempt_at, last_error, proof_ref, created_at, updated_at
		FROM publish_tasks WHERE manifest_id = $1 ORDER BY target ASC`, manifestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimDue selects and locks up to limit due rows in one transaction,
// marks them in_flight, and returns the post-claim state.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*contracts.PublishTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT task_id FROM publish_tasks
		WHERE status IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		contracts.PublishPending, contracts.PublishFailedRetryable, now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	out := make([]*contracts.PublishTask, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE publish_tasks SET status = $1, attempts = attempts + 1, updated_at = $2 WHERE task_id = $3`,
			contracts.PublishInFlight, now, id); err != nil {
			return nil, err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT task_id, tenant_id, manifest_id, target, status, attempts, next_attempt_at, last_error, proof_ref, created_at, updated_at
			FROM publish_tasks WHERE task_id = $1`, id)
		t, err := scanTask(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, taskID string, proofRef string, now time.Time, expected contracts.PublishTaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, proof_ref = $2, last_error = '', updated_at = $3
		WHERE task_id = $4 AND status = $5`,
		contracts.PublishSucceeded, proofRef, now, taskID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, taskID string, lastErr string, nextAttemptAt time.Time, now time.Time, expected contracts.PublishTaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, last_error = $2, next_attempt_at = $3, updated_at = $4
		WHERE task_id = $5 AND status = $6`,
		contracts.PublishFailedRetryable, lastErr, nextAttemptAt, now, taskID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) MarkFatal(ctx context.Context, taskID string, lastErr string, now time.Time, expected contracts.PublishTaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, last_error = $2, updated_at = $3
		WHERE task_id = $4 AND status = $5`,
		contracts.PublishFailedFatal, lastErr, now, taskID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*contracts.PublishTask, error) {
	var t contracts.PublishTask
	err := row.Scan(&t.TaskID, &t.TenantID, &t.ManifestID, &t.Target, &t.Status, &t.Attempts, &t.NextAttemptAt, &t.LastError, &t.ProofRef, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkOneRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransitionConflict
	}
	return nil
}
