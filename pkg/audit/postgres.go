package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// PostgresChain is a durable, multi-process audit chain. A single row
// lock on the chain head serializes Append the same way PostgresLedger
// serializes obligation creation: read the head under FOR UPDATE, append,
// update the head in the same transaction.
type PostgresChain struct {
	db      *sql.DB
	gw      signer.Gateway
	reg     *signer.Registry
	kid     string
	sampler *SamplingPolicy
	clock   func() time.Time
}

// NewPostgresChain wraps an already-connected *sql.DB. Callers must run
// Init once per database before first use.
func NewPostgresChain(db *sql.DB, gw signer.Gateway, reg *signer.Registry, kid string, sampler *SamplingPolicy) *PostgresChain {
	return &PostgresChain{db: db, gw: gw, reg: reg, kid: kid, sampler: sampler, clock: time.Now}
}

const pgAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT,
	event_type TEXT NOT NULL,
	payload BYTEA NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature BYTEA NOT NULL,
	signer_kid TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	metadata TEXT,
	stream_status TEXT NOT NULL DEFAULT 'pending',
	stream_attempts INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit_chain_head (
	id INT PRIMARY KEY DEFAULT 1,
	hash TEXT NOT NULL,
	CHECK (id = 1)
);

CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts);
`

// Init creates the audit_events table and seeds the genesis head row if
// absent.
func (c *PostgresChain) Init(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, pgAuditSchema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO audit_chain_head (id, hash) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`, genesisPrevHash)
	if err != nil {
		return fmt.Errorf("audit: seed chain head: %w", err)
	}
	return nil
}

func (c *PostgresChain) Append(ctx context.Context, eventType string, payload any, metadata map[string]any) (*contracts.AuditEvent, error) {
	if c.sampler != nil && !c.sampler.Keep(eventType) {
		return nil, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headHash string
	if err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_chain_head WHERE id = 1 FOR UPDATE`).Scan(&headHash); err != nil {
		return nil, fmt.Errorf("audit: lock chain head: %w", err)
	}

	payloadBytes, hash, sig, err := signAndHash(ctx, c.gw, c.kid, eventType, payload, headHash)
	if err != nil {
		return nil, err
	}

	var metaJSON []byte
	if metadata != nil {
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	ev := &contracts.AuditEvent{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		Payload:      payloadBytes,
		PrevHash:     headHash,
		Hash:         hash,
		Signature:    sig,
		SignerKid:    c.kid,
		Timestamp:    c.clock(),
		Metadata:     metadata,
		StreamStatus: contracts.StreamPending,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, tenant_id, event_type, payload, prev_hash, hash, signature, signer_kid, ts, metadata, stream_status, stream_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)`,
		ev.EventID, ev.TenantID, ev.EventType, ev.Payload, ev.PrevHash, ev.Hash, ev.Signature, ev.SignerKid, ev.Timestamp, string(metaJSON), ev.StreamStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE audit_chain_head SET hash = $1 WHERE id = 1`, hash); err != nil {
		return nil, fmt.Errorf("audit: advance chain head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit append: %w", err)
	}
	return ev, nil
}

func (c *PostgresChain) GetByID(ctx context.Context, eventID string) (*contracts.AuditEvent, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, event_type, payload, prev_hash, hash, signature, signer_kid, ts, metadata, stream_status, stream_attempts
		FROM audit_events WHERE event_id = $1`, eventID)
	return scanAuditEvent(row)
}

func (c *PostgresChain) Range(ctx context.Context, from, to time.Time) ([]*contracts.AuditEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, event_type, payload, prev_hash, hash, signature, signer_kid, ts, metadata, stream_status, stream_attempts
		FROM audit_events WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}
	defer rows.Close()

	var out []*contracts.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (c *PostgresChain) Verify(ctx context.Context, events []*contracts.AuditEvent) (bool, string, error) {
	if len(events) == 0 {
		return true, "", nil
	}
	prev := genesisPrevHash
	for _, e := range events {
		if e.PrevHash != prev {
			return false, e.EventID, nil
		}
		if err := verifyEvent(ctx, c.reg, e); err != nil {
			return false, e.EventID, nil
		}
		prev = e.Hash
	}
	return true, "", nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row *sql.Row) (*contracts.AuditEvent, error) {
	ev, err := scanInto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit: event not found")
		}
		return nil, err
	}
	return ev, nil
}

func scanAuditEventRows(rows *sql.Rows) (*contracts.AuditEvent, error) {
	return scanInto(rows)
}

func scanInto(s rowScanner) (*contracts.AuditEvent, error) {
	var ev contracts.AuditEvent
	var tenantID, metadata sql.NullString
	if err := s.Scan(&ev.EventID, &tenantID, &ev.EventType, &ev.Payload, &ev.PrevHash, &ev.Hash, &ev.Signature, &ev.SignerKid, &ev.Timestamp, &metadata, &ev.StreamStatus, &ev.StreamAttempts); err != nil {
		return nil, err
	}
	ev.TenantID = tenantID.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("audit: corrupt metadata for event %s: %w", ev.EventID, err)
		}
	}
	return &ev, nil
}
