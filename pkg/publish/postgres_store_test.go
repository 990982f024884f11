package publish

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

func TestPostgresStore_ClaimDue_UsesSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT task_id FROM publish_tasks .* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("task-1"))
	mock.ExpectExec("UPDATE publish_tasks").
		WithArgs(contracts.PublishInFlight, sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT task_id, tenant_id, manifest_id, target, status, attempts, next_attempt_at, last_error, proof_ref, created_at, updated_at").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id", "tenant_id", "manifest_id", "target", "status", "attempts", "next_attempt_at", "last_error", "proof_ref", "created_at", "updated_at"}).
			AddRow("task-1", "tenant-a", "manifest-1", contracts.TargetRepo, contracts.PublishInFlight, 1, now, "", "", now, now))
	mock.ExpectCommit()

	out, err := store.ClaimDue(context.Background(), now, 5)
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "task-1", out[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkRetry_ConflictOnZeroRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectExec("UPDATE publish_tasks SET status").
		WithArgs(contracts.PublishFailedRetryable, "timeout", sqlmock.AnyArg(), now, "task-1", contracts.PublishInFlight).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.MarkRetry(context.Background(), "task-1", "timeout", now.Add(time.Minute), now, contracts.PublishInFlight)
	assert.ErrorIs(t, err, ErrTransitionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
