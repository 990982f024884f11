package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

var tracer = otel.Tracer("github.com/foundryrelease/kernel/pkg/publish")

// HTTPPublisher pushes an applied manifest's artifact reference to one
// external target (a package repository, the marketplace index, or a
// delivery/CDN endpoint) over a plain webhook POST. Every deployment's
// real repo/marketplace/delivery integration differs; this is the
// reference client a deployment swaps out, not the integration itself.
type HTTPPublisher struct {
	target     contracts.PublishTarget
	url        string
	httpClient *http.Client
}

// NewHTTPPublisher builds a Publisher for target that posts to url.
func NewHTTPPublisher(target contracts.PublishTarget, url string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPPublisher{target: target, url: url, httpClient: client}
}

func (p *HTTPPublisher) Target() contracts.PublishTarget { return p.target }

type publishPayload struct {
	ManifestID string `json:"manifestId"`
	TenantID   string `json:"tenantId"`
	TaskID     string `json:"taskId"`
	Manifest   any    `json:"manifest"`
}

func (p *HTTPPublisher) Publish(ctx context.Context, task *contracts.PublishTask, m *contracts.Manifest) Result {
	ctx, span := tracer.Start(ctx, "publish.Publish", trace.WithAttributes(
		attribute.String("publish.target", string(p.target)),
		attribute.String("publish.task_id", task.TaskID),
	))
	defer span.End()

	result := p.publish(ctx, task, m)
	span.SetAttributes(attribute.Int("publish.outcome", int(result.Outcome)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result
}

func (p *HTTPPublisher) publish(ctx context.Context, task *contracts.PublishTask, m *contracts.Manifest) Result {
	body, err := json.Marshal(publishPayload{
		ManifestID: task.ManifestID,
		TenantID:   task.TenantID,
		TaskID:     task.TaskID,
		Manifest:   m,
	})
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("publish: encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("publish: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("publish: %s: %w", p.target, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		proofRef := resp.Header.Get("X-Proof-Ref")
		if proofRef == "" {
			proofRef = fmt.Sprintf("%s:%s:%d", p.target, task.TaskID, resp.StatusCode)
		}
		return Result{Outcome: OutcomeSuccess, ProofRef: proofRef}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("publish: %s: status %d", p.target, resp.StatusCode)}
	default:
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("publish: %s: status %d", p.target, resp.StatusCode)}
	}
}
