package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

const pgManifestSchema = `
CREATE TABLE IF NOT EXISTS packages (
	package_id              TEXT PRIMARY KEY,
	tenant_id               TEXT NOT NULL DEFAULT '',
	name                    TEXT NOT NULL,
	version                 TEXT NOT NULL,
	artifact_ref            TEXT NOT NULL,
	sha256                  TEXT NOT NULL,
	submitter               TEXT NOT NULL,
	metadata                JSONB,
	status                  TEXT NOT NULL,
	validation_report_ref   TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS manifests (
	manifest_id    TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	package_id     TEXT NOT NULL REFERENCES packages(package_id),
	target         JSONB,
	impact         TEXT NOT NULL,
	rationale      TEXT NOT NULL DEFAULT '',
	preconditions  JSONB,
	apply_strategy JSONB,
	status         TEXT NOT NULL,
	signature_id   TEXT NOT NULL DEFAULT '',
	upgrade_id     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS manifest_signatures (
	signature_id    TEXT PRIMARY KEY,
	manifest_id     TEXT NOT NULL REFERENCES manifests(manifest_id),
	signer_kid      TEXT NOT NULL,
	signature_bytes BYTEA NOT NULL,
	canonical_hash  TEXT NOT NULL,
	signed_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS manifest_status_history (
	manifest_id TEXT NOT NULL REFERENCES manifests(manifest_id),
	status      TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is a durable Store backed by PostgreSQL. Status
// transitions use the conditional "UPDATE ... WHERE status=$expected"
// idiom from the teacher's ledger store, so exactly one concurrent
// caller wins a race and every other caller observes ErrTransitionConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema if it doesn't already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgManifestSchema)
	return err
}

func (s *PostgresStore) CreatePackage(ctx context.Context, pkg *contracts.Package) error {
	metaJSON, err := json.Marshal(pkg.Metadata)
	if err != nil {
		return fmt.Errorf("manifest: marshal package metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packages (package_id, tenant_id, name, version, artifact_ref, sha256, submitter, metadata, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pkg.PackageID, pkg.TenantID, pkg.Name, pkg.Version, pkg.ArtifactRef, pkg.SHA256, pkg.Submitter, metaJSON, pkg.Status, pkg.CreatedAt, pkg.UpdatedAt)
	return err
}

func (s *PostgresStore) scanPackage(row rowScanner) (*contracts.Package, error) {
	var p contracts.Package
	var metaJSON []byte
	err := row.Scan(&p.PackageID, &p.TenantID, &p.Name, &p.Version, &p.ArtifactRef, &p.SHA256, &p.Submitter, &metaJSON, &p.Status, &p.ValidationReportRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &p.Metadata)
	}
	return &p, nil
}

const packageColumns = `package_id, tenant_id, name, version, artifact_ref, sha256, submitter, metadata, status, validation_report_ref, created_at, updated_at`

func (s *PostgresStore) GetPackage(ctx context.Context, packageID string) (*contracts.Package, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE package_id = $1`, packageID)
	return s.scanPackage(row)
}

func (s *PostgresStore) FindPackageBySubmitterKey(ctx context.Context, submitter, idempotencyKey string) (*contracts.Package, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE submitter = $1 AND metadata->>'submitterIdempotencyKey' = $2 LIMIT 1`, submitter, idempotencyKey)
	return s.scanPackage(row)
}

func (s *PostgresStore) TransitionPackageStatus(ctx context.Context, packageID string, expected, next contracts.PackageStatus, reportRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE packages SET status = $1, validation_report_ref = COALESCE(NULLIF($2, ''), validation_report_ref), updated_at = $3
		WHERE package_id = $4 AND status = $5`,
		next, reportRef, time.Now().UTC(), packageID, expected)
	if err != nil {
		return err
	}
	return checkOneRowAffected(res)
}

func (s *PostgresStore) CreateManifest(ctx context.Context, m *contracts.Manifest) error {
	targetJSON, _ := json.Marshal(m.Target)
	preJSON, _ := json.Marshal(m.Preconditions)
	strategyJSON, _ := json.Marshal(m.ApplyStrategy)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifests (manifest_id, tenant_id, package_id, target, impact, rationale, preconditions, apply_strategy, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ManifestID, m.TenantID, m.PackageID, targetJSON, m.Impact, m.Rationale, preJSON, strategyJSON, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO manifest_status_history (manifest_id, status, at) VALUES ($1, $2, $3)`, m.ManifestID, m.Status, m.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

const manifestColumns = `manifest_id, tenant_id, package_id, target, impact, rationale, preconditions, apply_strategy, status, signature_id, upgrade_id, created_at, updated_at`

func (s *PostgresStore) scanManifest(row rowScanner) (*contracts.Manifest, error) {
	var m contracts.Manifest
	var targetJSON, preJSON, strategyJSON []byte
	err := row.Scan(&m.ManifestID, &m.TenantID, &m.PackageID, &targetJSON, &m.Impact, &m.Rationale, &preJSON, &strategyJSON, &m.Status, &m.SignatureID, &m.UpgradeID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(targetJSON, &m.Target)
	_ = json.Unmarshal(preJSON, &m.Preconditions)
	_ = json.Unmarshal(strategyJSON, &m.ApplyStrategy)
	return &m, nil
}

func (s *PostgresStore) GetManifest(ctx context.Context, manifestID string) (*contracts.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE manifest_id = $1`, manifestID)
	return s.scanManifest(row)
}

func (s *PostgresStore) TransitionManifestStatus(ctx context.Context, manifestID string, expected, next contracts.ManifestStatus) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE manifests SET status = $1, updated_at = $2 WHERE manifest_id = $3 AND status = $4`, next, now, manifestID, expected)
	if err != nil {
		return err
	}
	if err := checkOneRowAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO manifest_status_history (manifest_id, status, at) VALUES ($1, $2, $3)`, manifestID, next, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) SetManifestSignature(ctx context.Context, manifestID, signatureID, upgradeID string, expected, next contracts.ManifestStatus) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE manifests SET status = $1, signature_id = $2, upgrade_id = COALESCE(NULLIF($3, ''), upgrade_id), updated_at = $4
		WHERE manifest_id = $5 AND status = $6`,
		next, signatureID, upgradeID, now, manifestID, expected)
	if err != nil {
		return err
	}
	if err := checkOneRowAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO manifest_status_history (manifest_id, status, at) VALUES ($1, $2, $3)`, manifestID, next, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateSignature(ctx context.Context, sig *contracts.ManifestSignature) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest_signatures (signature_id, manifest_id, signer_kid, signature_bytes, canonical_hash, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sig.SignatureID, sig.ManifestID, sig.SignerKid, sig.SignatureBytes, sig.CanonicalHash, sig.SignedAt)
	return err
}

func (s *PostgresStore) GetSignature(ctx context.Context, signatureID string) (*contracts.ManifestSignature, error) {
	var sig contracts.ManifestSignature
	err := s.db.QueryRowContext(ctx, `SELECT signature_id, manifest_id, signer_kid, signature_bytes, canonical_hash, signed_at FROM manifest_signatures WHERE signature_id = $1`, signatureID).
		Scan(&sig.SignatureID, &sig.ManifestID, &sig.SignerKid, &sig.SignatureBytes, &sig.CanonicalHash, &sig.SignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *PostgresStore) History(ctx context.Context, manifestID string) ([]StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, at FROM manifest_status_history WHERE manifest_id = $1 ORDER BY at ASC`, manifestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		if err := rows.Scan(&e.Status, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// AcquireNextPendingValidation claims the oldest package still awaiting
// validation using FOR UPDATE SKIP LOCKED, so the validation-poll
// scheduler driver can run several workers without them stepping on each
// other's claims.
func (s *PostgresStore) AcquireNextPendingValidation(ctx context.Context) (*contracts.Package, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var packageID string
	err = tx.QueryRowContext(ctx, `
		SELECT package_id FROM packages WHERE status = $1 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		contracts.PackageSubmitted).Scan(&packageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE packages SET status = $1, updated_at = $2 WHERE package_id = $3`, contracts.PackageValidating, now, packageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPackage(ctx, packageID)
}

// rowScanner abstracts over *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
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
