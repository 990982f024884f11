// Package audit implements the append-only, hash-chained, signed audit
// log (§4.2). Every Append computes hash = H(canonical(payload) ‖
// prevHash) and requests a detached signature over hash from the
// Signing Gateway before persisting. Verify recomputes the whole chain
// against a signer registry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foundryrelease/kernel/pkg/canonicalize"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// genesisPrevHash is the prevHash recorded for the head event of an
// empty chain, per §3's AuditEvent invariant (prevHash = 0^64).
const genesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrBrokenChain is returned by Verify when linkage or a hash/signature
// check fails.
var ErrBrokenChain = errors.New("audit: chain is broken")

// nonSampledEventTypes lists the event types that §4.2's sampling
// policy must never drop, regardless of the configured sampling rules.
var nonSampledEventTypes = map[string]bool{
	"manifest.signed":      true,
	"manifest.update":      true,
	"manifest.applied":     true,
	"manifest.publishing":  true,
	"manifest.published":   true,
	"upgrade.submitted":    true,
	"upgrade.approval":     true,
	"upgrade.applied":      true,
	"allocation.requested": true,
	"policy.decision":      true,
	"publish.completed":    true,
}

// Chain is the stable interface the rest of the kernel programs
// against. Append is expected to serialize concurrent callers through a
// per-chain lock (in-memory) or a DB-level row lock on the chain head
// (Postgres) — see implementations in memory.go and postgres.go.
type Chain interface {
	Append(ctx context.Context, eventType string, payload any, metadata map[string]any) (*contracts.AuditEvent, error)
	GetByID(ctx context.Context, eventID string) (*contracts.AuditEvent, error)
	Range(ctx context.Context, from, to time.Time) ([]*contracts.AuditEvent, error)
	Verify(ctx context.Context, events []*contracts.AuditEvent) (ok bool, brokenAt string, err error)
}

// SamplingPolicy decides whether a non-critical event type should be
// appended at all. Sampled-out events are never appended — the chain
// must remain unbroken, so there is no "gap" entry. Declarative rule
// sets are loaded from the AUDIT_SAMPLING_POLICY environment knob (see
// pkg/config).
type SamplingPolicy struct {
	// Rates maps an event type to the fraction of events (0..1] that
	// should be kept. Event types absent from Rates are always kept,
	// as are every entry in nonSampledEventTypes regardless of Rates.
	Rates map[string]float64
	// Sample is the decision function, injected for deterministic
	// testing; defaults to a simple counter-based sampler.
	sample func(eventType string, rate float64) bool
	counts map[string]uint64
}

// NewSamplingPolicy builds a policy from a rate table.
func NewSamplingPolicy(rates map[string]float64) *SamplingPolicy {
	p := &SamplingPolicy{Rates: rates, counts: make(map[string]uint64)}
	p.sample = p.counterSample
	return p
}

// Keep reports whether an event of eventType should be appended.
func (p *SamplingPolicy) Keep(eventType string) bool {
	if p == nil {
		return true
	}
	if nonSampledEventTypes[eventType] {
		return true
	}
	rate, ok := p.Rates[eventType]
	if !ok || rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return p.sample(eventType, rate)
}

// counterSample keeps every Nth event where N is 1/rate truncated to an
// integer (at least 1), giving a deterministic, easily-tested
// approximation of the configured rate.
func (p *SamplingPolicy) counterSample(eventType string, rate float64) bool {
	p.counts[eventType]++
	n := uint64(1 / rate)
	if n == 0 {
		n = 1
	}
	return p.counts[eventType]%n == 0
}

// signAndHash computes the canonical payload, the chain hash, and the
// detached signature for a new event, given the current head hash.
func signAndHash(ctx context.Context, gw signer.Gateway, kid string, eventType string, payload any, prevHash string) (payloadBytes []byte, hash string, sig []byte, err error) {
	payloadBytes, err = canonicalize.JCS(payload)
	if err != nil {
		return nil, "", nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	hashInput := append(append([]byte{}, payloadBytes...), []byte(prevHash)...)
	hash = canonicalize.HashBytes(hashInput)

	sig, err = gw.Sign(ctx, kid, signer.Digest([]byte(hash)), signer.AlgEd25519)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %v", signer.ErrSignerUnavailable, err)
	}
	return payloadBytes, hash, sig, nil
}

// verifyEvent recomputes e's hash and checks its signature against reg.
func verifyEvent(ctx context.Context, reg *signer.Registry, e *contracts.AuditEvent) error {
	hashInput := append(append([]byte{}, e.Payload...), []byte(e.PrevHash)...)
	computed := canonicalize.HashBytes(hashInput)
	if computed != e.Hash {
		return fmt.Errorf("%w: hash mismatch for event %s", ErrBrokenChain, e.EventID)
	}

	pub, err := reg.PublicKey(ctx, e.SignerKid)
	if err != nil {
		return fmt.Errorf("audit: resolve signer key: %w", err)
	}

	ok, err := signer.Verify(string(pub), signer.Digest([]byte(e.Hash)), e.Signature)
	if err != nil {
		return fmt.Errorf("audit: verify signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: signature invalid for event %s", ErrBrokenChain, e.EventID)
	}
	return nil
}
