package signer

import (
	"bytes"
	"context"
	"encoding/base64"
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

const defaultSignerTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/foundryrelease/kernel/pkg/signer")

// HTTPConfig configures the production Signing Gateway adapter over an
// HTTP/mTLS endpoint.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
}

// HTTPGateway is a thin adapter over an HTTP signer endpoint. It never
// persists private keys; every call is a single round trip. Any error —
// timeout, connection refusal, non-2xx response — is classified
// ErrSignerUnavailable.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPGateway creates an HTTP-backed Signing Gateway.
func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultSignerTimeout
	}
	return &HTTPGateway{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type signRequest struct {
	KID       string `json:"kid"`
	DigestB64 string `json:"digest"`
	Algorithm string `json:"algorithm"`
}

type signResponse struct {
	SignatureB64 string `json:"signature"`
}

type publicKeyResponse struct {
	PEM string `json:"publicKey"`
}

// Sign implements Gateway.
func (g *HTTPGateway) Sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "signer.Sign", trace.WithAttributes(
		attribute.String("signer.kid", kid),
		attribute.String("signer.algorithm", string(alg)),
	))
	defer span.End()

	sig, err := g.sign(ctx, kid, digest, alg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return sig, err
}

func (g *HTTPGateway) sign(ctx context.Context, kid string, digest []byte, alg Algorithm) ([]byte, error) {
	payload, err := json.Marshal(signRequest{
		KID:       kid,
		DigestB64: base64.StdEncoding.EncodeToString(digest),
		Algorithm: string(alg),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrSignerUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL+"/sign", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrSignerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: signer returned HTTP %d", ErrSignerUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrSignerUnavailable, err)
	}

	var sr signResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrSignerUnavailable, err)
	}

	sig, err := base64.StdEncoding.DecodeString(sr.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrSignerUnavailable, err)
	}
	return sig, nil
}

// GetPublicKey implements Gateway.
func (g *HTTPGateway) GetPublicKey(ctx context.Context, kid string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "signer.GetPublicKey", trace.WithAttributes(attribute.String("signer.kid", kid)))
	defer span.End()
	pem, err := g.getPublicKey(ctx, kid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return pem, err
}

func (g *HTTPGateway) getPublicKey(ctx context.Context, kid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.URL+"/keys/"+kid, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrSignerUnavailable, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: signer returned HTTP %d", ErrSignerUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrSignerUnavailable, err)
	}

	var pkr publicKeyResponse
	if err := json.Unmarshal(body, &pkr); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrSignerUnavailable, err)
	}
	return []byte(pkr.PEM), nil
}

// Probe implements Gateway. It is called at startup when REQUIRE_KMS or
// REQUIRE_SIGNING_PROXY is set; the process fails fast if the signer is
// unreachable.
func (g *HTTPGateway) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: build probe request: %v", ErrSignerUnavailable, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: signer health returned HTTP %d", ErrSignerUnavailable, resp.StatusCode)
	}
	return nil
}
