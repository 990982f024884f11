package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/auth"
	"github.com/foundryrelease/kernel/pkg/manifest"
	"github.com/foundryrelease/kernel/pkg/multisig"
	"github.com/foundryrelease/kernel/pkg/policy"
	"github.com/foundryrelease/kernel/pkg/publish"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// newTestServer wires a full Server against in-memory stores, mirroring
// the way cmd/kernel wires the production topology.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	gw := signer.NewLocalGateway()
	require.NoError(t, gw.GenerateKey("kernel-primary"))
	reg := signer.NewRegistry(gw, 0)

	chain := audit.NewMemoryChain(gw, reg, "kernel-primary", nil)
	gate := policy.NewGate(policy.NewLocalBackend("v1", map[string]bool{}), true)

	store := manifest.NewMemoryStore()
	engine := manifest.NewEngine(store, gate, reg, gw, chain, "kernel-primary")

	msStore := multisig.NewMemoryStore()
	coordinator := multisig.NewCoordinator(msStore, chain, engine, []string{"alice", "bob", "carol"}, 2, 0)

	pubStore := publish.NewMemoryStore()
	driver := publish.NewDriver(pubStore, engine, chain, nil)
	engine.Publisher = driver

	return &Server{
		Engine:      engine,
		Coordinator: coordinator,
		Publisher:   driver,
		Chain:       chain,
		Exporter:    audit.NewExporter(chain),
		Trust:       &TrustKeysHandler{Registry: reg, Kids: []string{"kernel-primary"}},
		Registry:    reg,
	}
}

// authedHTTPRequest builds a request carrying a principal in its context,
// as the auth middleware would attach after validating a bearer token.
func authedHTTPRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	ctx := auth.WithPrincipal(req.Context(), &auth.BasePrincipal{ID: "release-engineer", TenantID: "tenant-a"})
	return req.WithContext(ctx)
}

func TestSubmitPackage_ThenValidate_ThenCreateManifest(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	submitBody := map[string]any{
		"name": "web-frontend", "version": "1.2.3",
		"artifactRef": "oci://registry/web-frontend@sha256:abc", "sha256": "deadbeef",
		"submitter": "alice",
	}
	req := authedHTTPRequest(t, "POST", "/packages/submit", submitBody)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, 201, w.Code)

	var submitResp struct {
		OK      bool `json:"ok"`
		Package struct {
			PackageID string `json:"packageId"`
		} `json:"package"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitResp))
	require.True(t, submitResp.OK)
	packageID := submitResp.Package.PackageID
	require.NotEmpty(t, packageID)

	validateReq := authedHTTPRequest(t, "POST", "/packages/"+packageID+"/validate", map[string]any{"passed": true, "reportRef": "report-1"})
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, validateReq)
	assert.Equal(t, 200, w2.Code)

	createReq := authedHTTPRequest(t, "POST", "/manifests/create", map[string]any{
		"packageId": packageID,
		"target":    map[string]any{"service": "web-frontend"},
		"impact":    "LOW",
		"rationale": "routine deploy",
	})
	w3 := httptest.NewRecorder()
	mux.ServeHTTP(w3, createReq)
	assert.Equal(t, 201, w3.Code)
}

func TestHealthAndReady_ArePublic(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	}
}

func TestGetPackage_NotFound(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	req := authedHTTPRequest(t, "GET", "/packages/does-not-exist", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}
