package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/auth"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/kernelerr"
	"github.com/foundryrelease/kernel/pkg/manifest"
	"github.com/foundryrelease/kernel/pkg/multisig"
)

// decodeJSON decodes r's body into v, rendering a validation error and
// returning false on failure so the caller can return early.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		kernelerr.WriteError(w, kernelerr.Validation("missing_body", "request body is required"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("malformed_body", "request body must be valid JSON"))
		return false
	}
	return true
}

// principal fetches the authenticated caller, failing with an internal
// error if the auth middleware didn't run (a routing bug, not a client
// error).
func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		kernelerr.WriteError(w, kernelerr.Internal(err))
		return nil, false
	}
	return p, true
}

type submitPackageRequest struct {
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	ArtifactRef    string         `json:"artifactRef"`
	SHA256         string         `json:"sha256"`
	Submitter      string         `json:"submitter"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) handleSubmitPackage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req submitPackageRequest
	if !decodeValidated(w, r, submitPackageSchema, &req) {
		return
	}
	pkg, err := s.Engine.SubmitPackage(r.Context(), manifest.SubmitPackageRequest{
		TenantID:       p.GetTenantID(),
		Name:           req.Name,
		Version:        req.Version,
		ArtifactRef:    req.ArtifactRef,
		SHA256:         req.SHA256,
		Submitter:      req.Submitter,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusCreated, map[string]any{"package": pkg})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.Engine.GetPackage(r.Context(), r.PathValue("id"))
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"package": pkg})
}

type validatePackageRequest struct {
	Passed    bool   `json:"passed"`
	ReportRef string `json:"reportRef"`
}

func (s *Server) handleValidatePackage(w http.ResponseWriter, r *http.Request) {
	var req validatePackageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pkg, err := s.Engine.Validate(r.Context(), r.PathValue("id"), req.Passed, req.ReportRef)
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"package": pkg})
}

type createManifestRequest struct {
	PackageID     string           `json:"packageId"`
	Target        map[string]any   `json:"target"`
	Impact        contracts.Impact `json:"impact"`
	Rationale     string           `json:"rationale"`
	Preconditions []string         `json:"preconditions"`
	ApplyStrategy map[string]any   `json:"applyStrategy"`
}

func (s *Server) handleCreateManifest(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createManifestRequest
	if !decodeValidated(w, r, createManifestSchema, &req) {
		return
	}
	m, err := s.Engine.CreateManifest(r.Context(), manifest.CreateManifestRequest{
		TenantID:      p.GetTenantID(),
		PackageID:     req.PackageID,
		Target:        req.Target,
		Impact:        req.Impact,
		Rationale:     req.Rationale,
		Preconditions: req.Preconditions,
		ApplyStrategy: req.ApplyStrategy,
	})
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusCreated, map[string]any{"manifest": m})
}

func (s *Server) handleSignManifest(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	m, err := s.Engine.SignManifest(r.Context(), r.PathValue("id"), p.GetID())
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"manifest": m})
}

func (s *Server) handleApplyManifest(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	m, err := s.Engine.ApplyManifest(r.Context(), r.PathValue("id"), p.GetID())
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"manifest": m})
}

func (s *Server) handleManifestStatus(w http.ResponseWriter, r *http.Request) {
	m, history, err := s.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"manifest": m, "history": history})
}

type requestMultisigRequest struct {
	SubmittedBy string `json:"submittedBy"`
}

func (s *Server) handleRequestMultisig(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req requestMultisigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = p.GetID()
	}
	proposal, err := s.Coordinator.Submit(r.Context(), p.GetTenantID(), r.PathValue("id"), req.SubmittedBy)
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusCreated, map[string]any{"upgrade": proposal})
}

type ceremonyInput struct {
	TimelockMs    int64  `json:"timelockMs"`
	HoldMs        int64  `json:"holdMs"`
	UISummaryHash string `json:"uiSummaryHash"`
	ChallengeHash string `json:"challengeHash"`
	ResponseHash  string `json:"responseHash"`
}

type approveRequest struct {
	ApproverID string         `json:"approverId"`
	Signature  string         `json:"signature"`
	Notes      string         `json:"notes"`
	Ceremony   *ceremonyInput `json:"ceremony"`
}

func (s *Server) handleApproveUpgrade(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	upgradeID := r.PathValue("upgradeId")

	if req.Ceremony == nil {
		approval, err := s.Coordinator.Approve(r.Context(), upgradeID, req.ApproverID, req.Signature, req.Notes)
		if err != nil {
			kernelerr.WriteError(w, err)
			return
		}
		kernelerr.WriteJSON(w, http.StatusCreated, map[string]any{"approval": approval})
		return
	}

	approval, err := s.Coordinator.ApproveWithCeremony(r.Context(), upgradeID, req.ApproverID, req.Signature, req.Notes, multisig.CeremonyRequest{
		Timelock:      time.Duration(req.Ceremony.TimelockMs) * time.Millisecond,
		Hold:          time.Duration(req.Ceremony.HoldMs) * time.Millisecond,
		UISummaryHash: req.Ceremony.UISummaryHash,
		ChallengeHash: req.Ceremony.ChallengeHash,
		ResponseHash:  req.Ceremony.ResponseHash,
		SubmittedAt:   time.Now().UTC(),
	})
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusCreated, map[string]any{"approval": approval})
}

func (s *Server) handleApplyUpgrade(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	proposal, err := s.Coordinator.Apply(r.Context(), r.PathValue("upgradeId"), p.GetID())
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"upgrade": proposal})
}

type emergencyApplyRequest struct {
	Justification string `json:"justification"`
}

func (s *Server) handleEmergencyApply(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req emergencyApplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	proposal, err := s.Coordinator.EmergencyApply(r.Context(), r.PathValue("upgradeId"), p.GetID(), p.GetRoles(), req.Justification)
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"upgrade": proposal})
}

func (s *Server) handleRatifyUpgrade(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.Coordinator.Ratify(r.Context(), r.PathValue("upgradeId"))
	if err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"upgrade": proposal})
}

// publishNotifyRequest is the inbound callback shape a publish target
// posts back with the outcome of a task the driver handed it. It
// updates an existing PublishTask; it never creates one — task fan-out
// happens at apply time via Schedule.
type publishNotifyRequest struct {
	TaskID   string                      `json:"taskId"`
	Status   contracts.PublishTaskStatus `json:"status"`
	ProofRef string                      `json:"proofRef"`
	Error    string                      `json:"error"`
}

func (s *Server) handlePublishNotify(w http.ResponseWriter, r *http.Request) {
	_, ok := principal(w, r)
	if !ok {
		return
	}
	var req publishNotifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		kernelerr.WriteError(w, kernelerr.Validation("missing_field", "taskId is required"))
		return
	}
	if err := s.Publisher.Notify(r.Context(), req.TaskID, req.Status, req.ProofRef, req.Error); err != nil {
		kernelerr.WriteError(w, err)
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleGetAuditEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.Chain.GetByID(r.Context(), r.PathValue("eventId"))
	if err != nil {
		kernelerr.WriteError(w, kernelerr.NotFound("audit_event_not_found", "no such audit event"))
		return
	}
	kernelerr.WriteJSON(w, http.StatusOK, map[string]any{"event": ev})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	start, err := parseTimeParam(r, "startTime")
	if err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("invalid_start_time", "startTime must be RFC3339"))
		return
	}
	end, err := parseTimeParam(r, "endTime")
	if err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("invalid_end_time", "endTime must be RFC3339"))
		return
	}

	zipBytes, pack, err := s.Exporter.GeneratePack(r.Context(), audit.ExportRequest{
		TenantID:  p.GetTenantID(),
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		kernelerr.WriteError(w, kernelerr.Internal(err))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.zip"`)
	w.Header().Set("X-Evidence-Checksum", pack.Checksum)
	w.Header().Set("X-Evidence-Event-Count", strconv.Itoa(pack.EventCount))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}
