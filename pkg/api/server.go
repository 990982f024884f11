// Package api implements the Request Surface: the kernel's external HTTP
// boundary. Handlers are thin — every one decodes a request, calls a
// single domain collaborator (Manifest Engine, Multisig Coordinator,
// Publisher Driver, Audit Chain), and renders the result through
// kernelerr's {ok,error} envelope. No handler touches a Store directly.
package api

import (
	"net/http"
	"time"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/manifest"
	"github.com/foundryrelease/kernel/pkg/multisig"
	"github.com/foundryrelease/kernel/pkg/publish"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// Server wires the Request Surface's collaborators and builds the
// route table. It holds no state of its own.
type Server struct {
	Engine      *manifest.Engine
	Coordinator *multisig.Coordinator
	Publisher   *publish.Driver
	Chain       audit.Chain
	Exporter    *audit.Exporter
	Trust       *TrustKeysHandler
	Registry    *signer.Registry
}

// Routes builds the stdlib ServeMux the kernel serves on, wiring every
// route named in the Request Surface's route table to its handler.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /packages/submit", s.handleSubmitPackage)
	mux.HandleFunc("GET /packages/{id}", s.handleGetPackage)
	mux.HandleFunc("POST /packages/{id}/validate", s.handleValidatePackage)

	mux.HandleFunc("POST /manifests/create", s.handleCreateManifest)
	mux.HandleFunc("POST /manifests/{id}/submit-for-signing", s.handleSignManifest)
	mux.HandleFunc("POST /manifests/{id}/request-multisig", s.handleRequestMultisig)
	mux.HandleFunc("POST /manifests/{id}/apply", s.handleApplyManifest)
	mux.HandleFunc("GET /manifests/{id}/status", s.handleManifestStatus)

	mux.HandleFunc("POST /upgrades/{upgradeId}/approve", s.handleApproveUpgrade)
	mux.HandleFunc("POST /upgrades/{upgradeId}/apply", s.handleApplyUpgrade)
	mux.HandleFunc("POST /upgrades/{upgradeId}/emergency-apply", s.handleEmergencyApply)
	mux.HandleFunc("POST /upgrades/{upgradeId}/ratify", s.handleRatifyUpgrade)

	mux.HandleFunc("POST /publish/notify", s.handlePublishNotify)

	mux.HandleFunc("GET /audit/{eventId}", s.handleGetAuditEvent)
	mux.HandleFunc("GET /audit/export", s.handleAuditExport)

	mux.Handle("GET /trust/keys", s.Trust)

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /ready", handleHealth)

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// parseTimeParam parses an RFC3339 query parameter, returning the zero
// time (and no error) when the parameter is absent.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
