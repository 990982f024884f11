package publish

import (
	"context"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

// Outcome classifies the result of one publish attempt.
type Outcome int

const (
	// OutcomeSuccess means the target accepted the artifact. ProofRef
	// should name where the receipt/listing lives.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the attempt failed in a way a later retry
	// might fix (timeout, 5xx, connection reset).
	OutcomeRetryable
	// OutcomeFatal means the attempt failed in a way no retry will fix
	// (the target rejected the artifact outright, e.g. 4xx validation).
	OutcomeFatal
)

// Result is what a Publisher returns for one attempt.
type Result struct {
	Outcome  Outcome
	ProofRef string
	Err      error
}

// Publisher pushes a manifest's artifact to one external target. An
// implementation must classify every failure as retryable or fatal —
// the driver never guesses.
type Publisher interface {
	Target() contracts.PublishTarget
	Publish(ctx context.Context, task *contracts.PublishTask, m *contracts.Manifest) Result
}
