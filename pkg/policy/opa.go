package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultOPATimeout = 5 * time.Second
	defaultOPAPath    = "/v1/data/kernel/authz"
)

var tracer = otel.Tracer("github.com/foundryrelease/kernel/pkg/policy")

// OPAConfig configures the OPA backend.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g. "http://localhost:8181").
	URL string
	// PolicyPath overrides the default OPA decision path.
	PolicyPath string
	// Timeout sets the HTTP call timeout. Default 5s.
	Timeout time.Duration
	// PolicyVersion is a human-readable identifier for the policy bundle.
	PolicyVersion string
}

// OPABackend implements Backend against a remote OPA HTTP API. Strict
// fail-closed semantics: any error, timeout, or non-200 response is a
// DENY with a reason code identifying the failure mode, never an error
// return — Evaluate always returns a nil Go error, answering even a
// Request that cannot be canonicalized with DENY_HASH_FAILURE.
type OPABackend struct {
	config     OPAConfig
	client     *http.Client
	policyHash string
}

// NewOPABackend creates an OPA-backed Backend.
func NewOPABackend(cfg OPAConfig) *OPABackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOPATimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	return &OPABackend{
		config:     cfg,
		client:     &http.Client{Timeout: timeout},
		policyHash: fmt.Sprintf("sha256:opa:%s", cfg.PolicyVersion),
	}
}

type opaRequest struct {
	Input *opaInput `json:"input"`
}

type opaInput struct {
	Point      DecisionPoint  `json:"point"`
	TenantID   string         `json:"tenantId"`
	ActorID    string         `json:"actorId"`
	ActorRoles []string       `json:"actorRoles,omitempty"`
	Resource   string         `json:"resource"`
	Context    map[string]any `json:"context,omitempty"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow      bool   `json:"allow"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// Evaluate implements Backend. Fail-closed on every error path.
func (o *OPABackend) Evaluate(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(
		attribute.String("policy.point", string(req.Point)),
		attribute.String("policy.tenant_id", req.TenantID),
	))
	defer span.End()

	resp, err := o.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp != nil {
		span.SetAttributes(attribute.String("policy.decision", string(resp.Decision)), attribute.String("policy.reason_code", resp.ReasonCode))
	}
	return resp, err
}

func (o *OPABackend) evaluate(ctx context.Context, req Request) (*Response, error) {
	decisionID, err := DecisionID(req)
	if err != nil {
		return o.deny("unknown", "DENY_HASH_FAILURE"), nil
	}

	body := opaRequest{Input: &opaInput{
		Point:      req.Point,
		TenantID:   req.TenantID,
		ActorID:    req.ActorID,
		ActorRoles: req.ActorRoles,
		Resource:   req.Resource,
		Context:    req.Context,
	}}

	payload, err := json.Marshal(body)
	if err != nil {
		return o.deny(decisionID, "DENY_MARSHAL_ERROR"), nil
	}

	url := o.config.URL + o.config.PolicyPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return o.deny(decisionID, "DENY_REQUEST_ERROR"), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return o.deny(decisionID, "DENY_OPA_UNREACHABLE"), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return o.deny(decisionID, "DENY_OPA_HTTP_ERROR"), nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return o.deny(decisionID, "DENY_OPA_READ_ERROR"), nil
	}

	var opaResp opaResponse
	if err := json.Unmarshal(respBody, &opaResp); err != nil {
		return o.deny(decisionID, "DENY_OPA_PARSE_ERROR"), nil
	}
	if opaResp.Result == nil {
		return o.deny(decisionID, "DENY_OPA_NO_RESULT"), nil
	}

	reasonCode := opaResp.Result.ReasonCode
	decision := DecisionDeny
	if opaResp.Result.Allow {
		decision = DecisionAllow
		if reasonCode == "" {
			reasonCode = "ALLOW"
		}
	} else if reasonCode == "" {
		reasonCode = "DENY_POLICY"
	}

	policyRef := fmt.Sprintf("opa:%s:%s", o.config.PolicyVersion, o.config.PolicyPath)
	hash, err := computeDecisionHash(decisionID, decision, reasonCode, policyRef)
	if err != nil {
		return o.deny(decisionID, "DENY_HASH_FAILURE"), nil
	}

	return &Response{
		Decision:     decision,
		DecisionID:   decisionID,
		ReasonCode:   reasonCode,
		PolicyRef:    policyRef,
		DecisionHash: hash,
		IssuedAt:     time.Now().UTC(),
	}, nil
}

// Name implements Backend.
func (o *OPABackend) Name() string { return "opa" }

// PolicyHash implements Backend.
func (o *OPABackend) PolicyHash() string { return o.policyHash }

func (o *OPABackend) deny(decisionID, reason string) *Response {
	policyRef := fmt.Sprintf("opa:%s", o.config.PolicyVersion)
	hash, _ := computeDecisionHash(decisionID, DecisionDeny, reason, policyRef)
	return &Response{
		Decision:     DecisionDeny,
		DecisionID:   decisionID,
		ReasonCode:   reason,
		PolicyRef:    policyRef,
		DecisionHash: hash,
		IssuedAt:     time.Now().UTC(),
	}
}
