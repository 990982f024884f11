package multisig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/foundryrelease/kernel/pkg/kernelerr"
)

// CeremonyPolicy states the procedural requirements an approval must
// satisfy before Approve accepts it: a minimum timelock between the
// approver first viewing the manifest and signing, a minimum hold time
// on the approval screen, and (for CRITICAL impact) a challenge/response
// round-trip. It guards against reflexive approval of a HIGH/CRITICAL
// manifest the approver hasn't actually read.
type CeremonyPolicy struct {
	MinTimelock      time.Duration
	MinHold          time.Duration
	RequireChallenge bool
	DomainSeparation string
}

// DefaultCeremonyPolicy is a conservative default for HIGH-impact manifests.
func DefaultCeremonyPolicy() CeremonyPolicy {
	return CeremonyPolicy{
		MinTimelock:      2 * time.Second,
		MinHold:          time.Second,
		RequireChallenge: false,
		DomainSeparation: "kernel:approval:v1",
	}
}

// StrictCeremonyPolicy additionally requires a challenge/response
// round-trip, for CRITICAL-impact manifests.
func StrictCeremonyPolicy() CeremonyPolicy {
	return CeremonyPolicy{
		MinTimelock:      5 * time.Second,
		MinHold:          3 * time.Second,
		RequireChallenge: true,
		DomainSeparation: "kernel:approval:v1:strict",
	}
}

// CeremonyRequest is the procedural evidence submitted alongside an
// approval signature.
type CeremonyRequest struct {
	Timelock      time.Duration
	Hold          time.Duration
	UISummaryHash string
	ChallengeHash string
	ResponseHash  string
	SubmittedAt   time.Time
}

// validateCeremony checks req against policy. now is injected for
// deterministic tests.
func validateCeremony(policy CeremonyPolicy, req CeremonyRequest, now time.Time) error {
	if req.Timelock < policy.MinTimelock {
		return kernelerr.Validation("ceremony_timelock_too_short", fmt.Sprintf("timelock %s is below the required %s", req.Timelock, policy.MinTimelock))
	}
	if req.Hold < policy.MinHold {
		return kernelerr.Validation("ceremony_hold_too_short", fmt.Sprintf("hold time %s is below the required %s", req.Hold, policy.MinHold))
	}
	if !req.SubmittedAt.IsZero() && req.SubmittedAt.After(now) {
		return kernelerr.Validation("ceremony_submitted_in_future", "submittedAt is in the future")
	}
	if policy.RequireChallenge && (req.ChallengeHash == "" || req.ResponseHash == "") {
		return kernelerr.Validation("ceremony_challenge_required", "challenge/response is required by this policy")
	}
	if req.UISummaryHash == "" {
		return kernelerr.Validation("ceremony_summary_required", "ui summary hash is required")
	}
	return nil
}

// HashUISummary deterministically hashes the manifest summary shown to
// the approving human, for inclusion in CeremonyRequest.UISummaryHash.
func HashUISummary(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])
}
