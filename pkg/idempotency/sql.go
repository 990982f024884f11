package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/foundryrelease/kernel/pkg/idempotency")

// Dialect picks the placeholder style and upsert syntax for the
// database/sql driver backing SQLStore. Postgres (lib/pq) uses $N
// placeholders; sqlite (modernc.org/sqlite, used in tests per the
// teacher's DB-test-double conventions) uses ?.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// sqlSchema is shared across dialects; both support this exact DDL.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id   TEXT NOT NULL,
	key         TEXT NOT NULL,
	body_hash   TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	headers     TEXT NOT NULL,
	body        BLOB NOT NULL,
	cached_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, key)
);
`

// SQLStore is a database/sql-backed Store, durable across process
// restarts. It generalizes the teacher's PostgresIdempotencyStore with
// the request-body-hash conflict check and tenant scoping.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	ttl     time.Duration
}

// NewSQLStore wraps db. Call Init once per process to create the schema.
func NewSQLStore(db *sql.DB, dialect Dialect, ttl time.Duration) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, ttl: ttl}
}

// Init creates the idempotency_keys table if it doesn't exist.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	query := fmt.Sprintf(
		`SELECT body_hash, status_code, headers, body, cached_at FROM idempotency_keys WHERE tenant_id = %s AND key = %s`,
		s.ph(1), s.ph(2))

	var bodyHash string
	var statusCode int
	var headersJSON string
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(&bodyHash, &statusCode, &headersJSON, &body, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get failed: %w", err)
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM idempotency_keys WHERE tenant_id = %s AND key = %s`, s.ph(1), s.ph(2)), tenantID, key)
		return nil, nil
	}

	hdr := http.Header{}
	_ = json.Unmarshal([]byte(headersJSON), &hdr)

	return &Record{BodyHash: bodyHash, StatusCode: statusCode, Headers: hdr, Body: body, CachedAt: cachedAt}, nil
}

// Put implements Store. A conflicting body hash for an existing key
// returns ErrConflict without modifying the stored record.
func (s *SQLStore) Put(ctx context.Context, tenantID, key, bodyHash string, statusCode int, headers http.Header, body []byte) error {
	existing, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.BodyHash != bodyHash {
			return ErrConflict
		}
		return nil
	}

	headersJSON, _ := json.Marshal(headers)

	var query string
	if s.dialect == DialectPostgres {
		query = fmt.Sprintf(
			`INSERT INTO idempotency_keys (tenant_id, key, body_hash, status_code, headers, body, cached_at)
			 VALUES (%s, %s, %s, %s, %s, %s, %s)
			 ON CONFLICT (tenant_id, key) DO NOTHING`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	} else {
		query = `INSERT OR IGNORE INTO idempotency_keys (tenant_id, key, body_hash, status_code, headers, body, cached_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`
	}

	_, err = s.db.ExecContext(ctx, query, tenantID, key, bodyHash, statusCode, string(headersJSON), body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("idempotency: put failed: %w", err)
	}
	return nil
}

// Sweep removes entries older than the configured TTL. Intended to be
// driven by the Scheduler's idempotency-sweep driver.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "idempotency.Sweep")
	defer span.End()

	query := fmt.Sprintf(`DELETE FROM idempotency_keys WHERE cached_at < %s`, s.ph(1))
	res, err := s.db.ExecContext(ctx, query, time.Now().Add(-s.ttl).UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}
