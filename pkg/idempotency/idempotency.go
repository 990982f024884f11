// Package idempotency implements the Idempotency Store: every mutating
// request carrying an Idempotency-Key header is processed at most once
// per (tenant, key). A replayed request with the same key and an
// identical body gets the first response back verbatim; the same key
// with a different body is a conflict, not a silent replay — the
// request-body-hash check the teacher's simpler by-key-only cache
// omits.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/foundryrelease/kernel/pkg/kernelerr"
)

func readAll(r io.Reader) ([]byte, error) { return io.ReadAll(r) }

func newBodyReader(b []byte) io.ReadCloser { return io.NopCloser(bytes.NewReader(b)) }

// ErrConflict is returned by Store.Put when an idempotency key is
// replayed with a body that hashes differently than the one it was
// first seen with. The middleware detects the same mismatch on lookup
// and answers it with a kernelerr.KindConflict.
var ErrConflict = errors.New("idempotency: key reused with a different request body")

// Record is a stored response, keyed by (tenantID, key).
type Record struct {
	BodyHash   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// Store is the idempotency backend interface. Get returns (nil, false,
// nil) on a clean miss. Put must detect a body-hash mismatch against an
// existing record for the same key and return ErrConflict rather than
// overwriting it.
type Store interface {
	Get(ctx context.Context, tenantID, key string) (*Record, error)
	Put(ctx context.Context, tenantID, key, bodyHash string, statusCode int, headers http.Header, body []byte) error
}

// HashBody returns the hex-encoded SHA-256 of a request body, used to
// detect key-reuse-with-different-body conflicts.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// responseCapture wraps http.ResponseWriter to capture the response for
// storage, mirroring the teacher's capture pattern.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	wroteHead  bool
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.wroteHead = true
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.wroteHead {
		rc.WriteHeader(http.StatusOK)
	}
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// tenantIDFunc extracts the tenant scoping an idempotency key, decoupling
// this package from pkg/auth's context key.
type tenantIDFunc func(r *http.Request) string

// Middleware enforces at-most-once processing for POST/PUT/PATCH
// requests carrying an Idempotency-Key header. tenantFn scopes keys to a
// tenant so two tenants never collide on the same client-chosen key.
func Middleware(store Store, tenantFn tenantIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := tenantFn(r)

			var bodyBytes []byte
			if r.Body != nil {
				bodyBytes, _ = readAll(r.Body)
				r.Body = newBodyReader(bodyBytes)
			}
			bodyHash := HashBody(bodyBytes)

			existing, err := store.Get(r.Context(), tenantID, key)
			if err != nil {
				kernelerr.WriteError(w, kernelerr.Internal(err))
				return
			}
			if existing != nil {
				if existing.BodyHash != bodyHash {
					kernelerr.WriteError(w, kernelerr.Conflict("idempotency_key_conflict", "idempotency key was reused with a different request body"))
					return
				}
				for k, vals := range existing.Headers {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write(existing.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := store.Put(r.Context(), tenantID, key, bodyHash, capture.statusCode, w.Header().Clone(), capture.body.Bytes()); err != nil && !errors.Is(err, ErrConflict) {
					// Best-effort: the response already went to the client;
					// a storage failure here only risks a future duplicate
					// re-execution, not this request's correctness.
					_ = err
				}
			}
		})
	}
}
