package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/foundryrelease/kernel/pkg/canonicalize"
)

// LocalBackend is an in-process rule-table Backend. It is the default
// for development and single-node deployments that don't run a
// standalone policy engine: rules are a flat map from
// "<point>:<resource>" to allow/deny, with a wildcard resource "*" per
// point as a fallback.
type LocalBackend struct {
	mu            sync.RWMutex
	policyVersion string
	rules         map[string]bool
	policyHash    string
}

// NewLocalBackend builds a LocalBackend. rules maps "<point>:<resource>"
// (or "<point>:*" as a per-point default) to an allow/deny bool; an
// absent entry defaults to allow, matching the gate's default-open rule
// table semantics used in tests and local development.
func NewLocalBackend(policyVersion string, rules map[string]bool) *LocalBackend {
	b := &LocalBackend{policyVersion: policyVersion, rules: rules}
	b.policyHash = b.computePolicyHash()
	return b
}

// Evaluate implements Backend.
func (b *LocalBackend) Evaluate(ctx context.Context, req Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return b.deny(req, "DENY_TIMEOUT")
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	key := fmt.Sprintf("%s:%s", req.Point, req.Resource)
	wildcard := fmt.Sprintf("%s:*", req.Point)

	allowed := true
	reasonCode := "ALLOW"
	if v, ok := b.rules[key]; ok {
		allowed = v
	} else if v, ok := b.rules[wildcard]; ok {
		allowed = v
	}
	if !allowed {
		reasonCode = "DENY_POLICY"
		return b.deny(req, reasonCode)
	}

	decisionID, err := DecisionID(req)
	if err != nil {
		return b.deny(req, "DENY_HASH_FAILURE")
	}
	policyRef := fmt.Sprintf("local:%s", b.policyVersion)
	hash, err := computeDecisionHash(decisionID, DecisionAllow, reasonCode, policyRef)
	if err != nil {
		return b.deny(req, "DENY_HASH_FAILURE")
	}

	return &Response{
		Decision:     DecisionAllow,
		DecisionID:   decisionID,
		ReasonCode:   reasonCode,
		PolicyRef:    policyRef,
		DecisionHash: hash,
		IssuedAt:     time.Now().UTC(),
	}, nil
}

func (b *LocalBackend) deny(req Request, reasonCode string) (*Response, error) {
	decisionID, err := DecisionID(req)
	if err != nil {
		decisionID = "unknown"
	}
	policyRef := fmt.Sprintf("local:%s", b.policyVersion)
	hash, _ := computeDecisionHash(decisionID, DecisionDeny, reasonCode, policyRef)
	return &Response{
		Decision:     DecisionDeny,
		DecisionID:   decisionID,
		ReasonCode:   reasonCode,
		PolicyRef:    policyRef,
		DecisionHash: hash,
		IssuedAt:     time.Now().UTC(),
	}, nil
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// PolicyHash implements Backend.
func (b *LocalBackend) PolicyHash() string { return b.policyHash }

// SetRule updates or adds a rule at runtime, e.g. from an admin API or
// config reload. key is "<point>:<resource>" or "<point>:*".
func (b *LocalBackend) SetRule(key string, allow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rules == nil {
		b.rules = make(map[string]bool)
	}
	b.rules[key] = allow
	b.policyHash = b.computePolicyHash()
}

func (b *LocalBackend) computePolicyHash() string {
	input := struct {
		Version string          `json:"version"`
		Rules   map[string]bool `json:"rules"`
	}{b.policyVersion, b.rules}
	data, err := canonicalize.JCS(input)
	if err != nil {
		return "sha256:unknown"
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
