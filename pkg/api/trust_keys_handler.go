package api

import (
	"context"
	"net/http"

	"github.com/foundryrelease/kernel/pkg/kernelerr"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// TrustKeysHandler serves GET /trust/keys: the signer registry document
// (signerKid → {algorithm, publicKey, deployedAt}) an external verifier
// tool uses to check manifest and audit-event signatures without
// reaching into the kernel's signing gateway directly.
type TrustKeysHandler struct {
	Registry *signer.Registry
	// Kids lists every signerKid the registry should have resolved
	// before a request lands; warming them lazily on each request would
	// leak request latency into a key-rotation event.
	Kids []string
}

// ServeHTTP implements http.Handler.
func (h *TrustKeysHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		kernelerr.WriteError(w, kernelerr.New(kernelerr.KindValidation, "method_not_allowed", "GET required"))
		return
	}

	for _, kid := range h.Kids {
		if _, err := h.Registry.PublicKey(r.Context(), kid); err != nil {
			kernelerr.WriteError(w, kernelerr.SignerUnavailable(err))
			return
		}
	}

	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"keys": h.Registry.Document()})
}

// Warm resolves every configured kid once at startup so the registry
// document is complete before the first request.
func (h *TrustKeysHandler) Warm(ctx context.Context) error {
	for _, kid := range h.Kids {
		if _, err := h.Registry.PublicKey(ctx, kid); err != nil {
			return err
		}
	}
	return nil
}
