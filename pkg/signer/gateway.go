// Package signer implements the Signing Gateway: a thin, opaque adapter
// to an external signer (KMS/HSM/proxy). The gateway never holds
// private keys in production mode — HTTPGateway only ever sees a kid
// and a digest. The dev-mode LocalGateway exists for tests and
// single-process demos and is never wired into a production topology.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Algorithm identifies the signature scheme for a Sign call.
type Algorithm string

const (
	AlgRSASHA256 Algorithm = "rsa-sha256"
	AlgEd25519   Algorithm = "ed25519"
)

// ErrSignerUnavailable is returned, unchanged, from every code path that
// cannot reach the external signer: network failure, timeout, or
// non-2xx response. It is never retried silently inside a request.
var ErrSignerUnavailable = fmt.Errorf("signer: unavailable")

// Gateway is the stable interface the rest of the kernel programs
// against. Sign returns a detached signature over digestBytes; it never
// accepts or returns raw plaintext. GetPublicKey is cached by callers
// with a TTL refresh (see Registry).
type Gateway interface {
	Sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error)
	GetPublicKey(ctx context.Context, kid string) ([]byte, error)
	// Probe is called at startup when REQUIRE_KMS or REQUIRE_SIGNING_PROXY
	// is set; a non-nil error fails the process.
	Probe(ctx context.Context) error
}

// Registry resolves a signerKid to its public key, TTL-refreshed and
// safe for concurrent readers (the shared-resource model in §5:
// "lock-free with atomic pointer swap on refresh" is approximated here
// with a read-mostly RWMutex cache, since the pack carries no
// lock-free map primitive worth adopting for this size of cache).
type Registry struct {
	gw  Gateway
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	pem       []byte
	fetchedAt time.Time
}

// NewRegistry creates a key registry backed by gw, refreshing entries
// older than ttl on next lookup.
func NewRegistry(gw Gateway, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{gw: gw, ttl: ttl, entries: make(map[string]registryEntry)}
}

// PublicKey returns the cached or freshly-fetched PEM public key for kid.
func (r *Registry) PublicKey(ctx context.Context, kid string) ([]byte, error) {
	r.mu.RLock()
	entry, ok := r.entries[kid]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.pem, nil
	}

	pem, err := r.gw.GetPublicKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[kid] = registryEntry{pem: pem, fetchedAt: time.Now()}
	r.mu.Unlock()
	return pem, nil
}

// Document renders the registry as the §6 "signer registry" JSON
// document: signerKid → {algorithm, publicKey, deployedAt}. Only keys
// already resolved through PublicKey appear; GET /trust/keys calls
// PublicKey for every configured kid before calling Document so the
// response is complete.
func (r *Registry) Document() map[string]TrustEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc := make(map[string]TrustEntry, len(r.entries))
	for kid, e := range r.entries {
		doc[kid] = TrustEntry{
			Algorithm:  AlgEd25519,
			PublicKey:  string(e.pem),
			DeployedAt: e.fetchedAt,
		}
	}
	return doc
}

// TrustEntry is one entry of the signer registry document.
type TrustEntry struct {
	Algorithm  Algorithm `json:"algorithm"`
	PublicKey  string    `json:"publicKey"`
	DeployedAt time.Time `json:"deployedAt"`
}

// Digest computes the SHA-256 digest a caller should pass to Sign.
func Digest(canonicalBytes []byte) []byte {
	sum := sha256.Sum256(canonicalBytes)
	return sum[:]
}

// LocalGateway is a single-process, in-memory Ed25519 signer used for
// tests and the dev/demo topology. It is the only Gateway implementation
// allowed to hold a private key, and that key never leaves process
// memory — still, Non-goals forbid the kernel itself from being a key
// custodian in production, so main.go never wires LocalGateway behind
// REQUIRE_KMS.
type LocalGateway struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewLocalGateway creates an empty local gateway. Call GenerateKey to
// provision a kid before first use.
func NewLocalGateway() *LocalGateway {
	return &LocalGateway{keys: make(map[string]ed25519.PrivateKey)}
}

// GenerateKey provisions a new Ed25519 keypair under kid.
func (l *LocalGateway) GenerateKey(kid string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("signer: generate key: %w", err)
	}
	l.mu.Lock()
	l.keys[kid] = priv
	l.mu.Unlock()
	return nil
}

func (l *LocalGateway) Sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	l.mu.RLock()
	priv, ok := l.keys[kid]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrSignerUnavailable, kid)
	}
	return ed25519.Sign(priv, digest), nil
}

func (l *LocalGateway) GetPublicKey(ctx context.Context, kid string) ([]byte, error) {
	l.mu.RLock()
	priv, ok := l.keys[kid]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrSignerUnavailable, kid)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return []byte(hex.EncodeToString(pub)), nil
}

func (l *LocalGateway) Probe(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.keys) == 0 {
		return fmt.Errorf("%w: no keys provisioned", ErrSignerUnavailable)
	}
	return nil
}

// Verify checks a raw Ed25519 signature against a hex-encoded public key,
// mirroring the verification step Append/Verify use against the
// registry's resolved key.
func Verify(pubKeyHex string, digest, sig []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("signer: decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signer: invalid public key size %d", len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig), nil
}
