// Package policy implements the Policy Gate: the kernel's single stable
// interface onto a pluggable policy backend (in-process rule table for
// tests and small deployments, OPA over HTTP for production). The
// Manifest Engine calls through a Gate before it signs a manifest and
// before it applies one; no other kernel operation consults the Gate.
//
// Backends MUST be fail-closed: a timeout, network error, or malformed
// response is a DENY, never an ALLOW. The Gate itself may be configured
// fail-open at a given decision point, in which case a backend DENY that
// was caused by unavailability (not an explicit policy rule) is
// overridden to ALLOW and logged — this is an operator choice, not a
// backend one.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/canonicalize"
	"github.com/foundryrelease/kernel/pkg/kernelerr"
)

// DecisionPoint names a place in the kernel where the Policy Gate is
// consulted. The Manifest Engine checks PointManifestSign and
// PointPublishPreApply; PointManifestUpdate and PointAllocationRequest
// are defined here, but no kernel write path checks them.
type DecisionPoint string

const (
	PointManifestSign      DecisionPoint = "manifest.sign"
	PointManifestUpdate    DecisionPoint = "manifest.update"
	PointAllocationRequest DecisionPoint = "allocation.request"
	PointPublishPreApply   DecisionPoint = "publish.pre_apply"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Request is the canonical structured input to a policy evaluation. Its
// JCS-canonical form is hashed to produce a deterministic DecisionID, so
// identical requests against identical policy always retrace to the
// same decision.
type Request struct {
	Point        DecisionPoint  `json:"point"`
	TenantID     string         `json:"tenantId"`
	ActorID      string         `json:"actorId"`
	ActorRoles   []string       `json:"actorRoles,omitempty"`
	Resource     string         `json:"resource"`
	ResourceHash string         `json:"resourceHash,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Response is the canonical output of a policy evaluation.
type Response struct {
	Decision     Decision `json:"decision"`
	DecisionID   string   `json:"decisionId"`
	ReasonCode   string   `json:"reasonCode"`
	PolicyRef    string   `json:"policyRef"`
	DecisionHash string   `json:"decisionHash"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// Backend is the stable interface a policy engine adapter implements.
// Implementations MUST be fail-closed.
type Backend interface {
	Evaluate(ctx context.Context, req Request) (*Response, error)
	Name() string
	PolicyHash() string
}

// DecisionID derives a deterministic decision identifier from the
// request's canonical form, matching any backend that re-evaluates the
// same request against the same policy bundle.
func DecisionID(req Request) (string, error) {
	canonical, err := canonicalize.JCS(req)
	if err != nil {
		return "", fmt.Errorf("policy: request canonicalization failed: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String(), nil
}

// computeDecisionHash hashes the decision fields that matter for
// reproducibility, excluding the hash field itself and the issue time.
func computeDecisionHash(decisionID string, decision Decision, reasonCode, policyRef string) (string, error) {
	hashInput := struct {
		DecisionID string   `json:"decisionId"`
		Decision   Decision `json:"decision"`
		ReasonCode string   `json:"reasonCode"`
		PolicyRef  string   `json:"policyRef"`
	}{decisionID, decision, reasonCode, policyRef}

	canonical, err := canonicalize.JCS(hashInput)
	if err != nil {
		return "", fmt.Errorf("policy: decision canonicalization failed: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// unavailableReasons marks backend deny reasons that stem from the
// backend being unreachable rather than an explicit policy rule firing.
// Only these reasons are eligible for fail-open override.
var unavailableReasons = map[string]bool{
	"DENY_OPA_UNREACHABLE":  true,
	"DENY_OPA_HTTP_ERROR":   true,
	"DENY_OPA_READ_ERROR":   true,
	"DENY_OPA_PARSE_ERROR":  true,
	"DENY_OPA_NO_RESULT":    true,
	"DENY_BACKEND_ERROR":    true,
	"DENY_TIMEOUT":          true,
}

// Gate wraps a single Backend and enforces the kernel's fail-open/
// fail-closed policy at each decision point.
type Gate struct {
	backend  Backend
	failOpen bool
}

// NewGate builds a Gate over backend. failOpen controls whether a
// backend-unavailable DENY is overridden to ALLOW; explicit policy
// denials are never overridden regardless of failOpen.
func NewGate(backend Backend, failOpen bool) *Gate {
	return &Gate{backend: backend, failOpen: failOpen}
}

// Check evaluates req against the configured backend and returns nil if
// allowed, or a *kernelerr.Error (KindPolicyDenied) if denied. A backend
// error (not a policy DENY) is always surfaced as an internal error
// under fail-closed mode.
func (g *Gate) Check(ctx context.Context, req Request) (*Response, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	resp, err := g.backend.Evaluate(ctx, req)
	if err != nil {
		if g.failOpen {
			slog.Warn("policy: backend error, fail-open override", "point", req.Point, "backend", g.backend.Name(), "err", err)
			return &Response{Decision: DecisionAllow, ReasonCode: "ALLOW_FAIL_OPEN_BACKEND_ERROR", PolicyRef: g.backend.Name(), IssuedAt: time.Now().UTC()}, nil
		}
		return nil, kernelerr.Internal(fmt.Errorf("policy: backend evaluation failed: %w", err))
	}

	if resp.Decision != DecisionAllow && g.failOpen && unavailableReasons[resp.ReasonCode] {
		slog.Warn("policy: backend unavailable, fail-open override", "point", req.Point, "backend", g.backend.Name(), "reason", resp.ReasonCode)
		resp.Decision = DecisionAllow
		resp.ReasonCode = "ALLOW_FAIL_OPEN_" + resp.ReasonCode
	}

	if resp.Decision != DecisionAllow {
		return resp, kernelerr.PolicyDenied(resp.DecisionID, resp.ReasonCode)
	}
	return resp, nil
}
