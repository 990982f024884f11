package multisig

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

const pgMultisigSchema = `
CREATE TABLE IF NOT EXISTS upgrade_proposals (
	upgrade_id                       TEXT PRIMARY KEY,
	tenant_id                        TEXT NOT NULL DEFAULT '',
	manifest_id                      TEXT NOT NULL,
	submitted_by                     TEXT NOT NULL,
	submitted_at                     TIMESTAMPTZ NOT NULL,
	status                           TEXT NOT NULL,
	applied_by                       TEXT NOT NULL DEFAULT '',
	applied_at                       TIMESTAMPTZ,
	emergency_justification          TEXT NOT NULL DEFAULT '',
	emergency_ratification_deadline  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS upgrade_approvals (
	approval_id  TEXT PRIMARY KEY,
	upgrade_id   TEXT NOT NULL REFERENCES upgrade_proposals(upgrade_id),
	approver_id  TEXT NOT NULL,
	signature    TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	approved_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (upgrade_id, approver_id)
);
`

// PostgresStore is a durable Store backed by PostgreSQL, using the same
// conditional-UPDATE transition idiom as the manifest package's store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema if it doesn't already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgMultisigSchema)
	return err
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p *contracts.UpgradeProposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upgrade_proposals (upgrade_id, tenant_id, manifest_id, submitted_by, submitted_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.UpgradeID, p.TenantID, p.ManifestID, p.SubmittedBy, p.SubmittedAt, p.Status)
	if isUniqueViolation(err) {
		return ErrTransitionConflict
	}
	return err
}

func (s *PostgresStore) GetProposal(ctx context.Context, upgradeID string) (*contracts.UpgradeProposal, error) {
	var p contracts.UpgradeProposal
	err := s.db.QueryRowContext(ctx, `
		SELECT upgrade_id, tenant_id, manifest_id, submitted_by, submitted_at, status, applied_by, applied_at, emergency_justification, emergency_ratification_deadline
		FROM upgrade_proposals WHERE upgrade_id = $1`, upgradeID).
		Scan(&p.UpgradeID, &p.TenantID, &p.ManifestID, &p.SubmittedBy, &p.SubmittedAt, &p.Status, &p.AppliedBy, &p.AppliedAt, &p.EmergencyJustification, &p.EmergencyRatificationDeadline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ApplyProposal(ctx context.Context, upgradeID, appliedBy string, appliedAt time.Time, expected contracts.UpgradeStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, applied_by = $2, applied_at = $3
		WHERE upgrade_id = $4 AND status = $5`,
		contracts.UpgradeApplied, appliedBy, appliedAt, upgradeID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) EmergencyApplyProposal(ctx context.Context, upgradeID, appliedBy string, appliedAt, deadline time.Time, justification string, expected contracts.UpgradeStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, applied_by = $2, applied_at = $3, emergency_justification = $4, emergency_ratification_deadline = $5
		WHERE upgrade_id = $6 AND status = $7`,
		contracts.UpgradeEmergencyApplied, appliedBy, appliedAt, justification, deadline, upgradeID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) RatifyProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE upgrade_proposals SET status = $1 WHERE upgrade_id = $2 AND status = $3`, contracts.UpgradeRatified, upgradeID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) RollbackProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE upgrade_proposals SET status = $1 WHERE upgrade_id = $2 AND status = $3`, contracts.UpgradeRolledBack, upgradeID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) RejectProposal(ctx context.Context, upgradeID string, expected contracts.UpgradeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE upgrade_proposals SET status = $1 WHERE upgrade_id = $2 AND status = $3`, contracts.UpgradeRejected, upgradeID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upgrade_approvals (approval_id, upgrade_id, approver_id, signature, notes, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ApprovalID, a.UpgradeID, a.ApproverID, a.Signature, a.Notes, a.ApprovedAt)
	if isUniqueViolation(err) {
		return ErrTransitionConflict
	}
	return err
}

func (s *PostgresStore) GetApproval(ctx context.Context, upgradeID, approverID string) (*contracts.Approval, error) {
	var a contracts.Approval
	err := s.db.QueryRowContext(ctx, `
		SELECT approval_id, upgrade_id, approver_id, signature, notes, approved_at
		FROM upgrade_approvals WHERE upgrade_id = $1 AND approver_id = $2`, upgradeID, approverID).
		Scan(&a.ApprovalID, &a.UpgradeID, &a.ApproverID, &a.Signature, &a.Notes, &a.ApprovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, upgradeID string) ([]*contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, upgrade_id, approver_id, signature, notes, approved_at
		FROM upgrade_approvals WHERE upgrade_id = $1`, upgradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Approval
	for rows.Next() {
		var a contracts.Approval
		if err := rows.Scan(&a.ApprovalID, &a.UpgradeID, &a.ApproverID, &a.Signature, &a.Notes, &a.ApprovedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEmergencyApplied(ctx context.Context) ([]*contracts.UpgradeProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upgrade_id, tenant_id, manifest_id, submitted_by, submitted_at, status, applied_by, applied_at, emergency_justification, emergency_ratification_deadline
		FROM upgrade_proposals WHERE status = $1`, contracts.UpgradeEmergencyApplied)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.UpgradeProposal
	for rows.Next() {
		var p contracts.UpgradeProposal
		if err := rows.Scan(&p.UpgradeID, &p.TenantID, &p.ManifestID, &p.SubmittedBy, &p.SubmittedAt, &p.Status, &p.AppliedBy, &p.AppliedAt, &p.EmergencyJustification, &p.EmergencyRatificationDeadline); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
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

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505 / "unique_violation").
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
