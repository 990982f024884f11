package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foundryrelease/kernel/pkg/contracts"
)

var (
	// ErrEmptyTenantID is returned when an export request carries no
	// tenant ID.
	ErrEmptyTenantID = errors.New("audit: tenantId must not be empty")
	// ErrInvalidTimeRange is returned when start is after end.
	ErrInvalidTimeRange = errors.New("audit: startTime must be before endTime")
)

// ExportRequest describes an on-demand evidence pack request for
// GET /audit/export.
type ExportRequest struct {
	TenantID  string
	StartTime time.Time
	EndTime   time.Time
}

// EvidencePack is the metadata returned alongside the zip bytes.
type EvidencePack struct {
	TenantID    string    `json:"tenantId"`
	GeneratedAt time.Time `json:"generatedAt"`
	Checksum    string    `json:"checksum"`
	EventCount  int       `json:"eventCount"`
}

// Exporter builds evidence packs from a Chain. It never touches storage
// directly — any backend (memory, file, postgres) that satisfies Chain
// can be exported from.
type Exporter struct {
	chain Chain
}

// NewExporter wraps chain for export.
func NewExporter(chain Chain) *Exporter {
	return &Exporter{chain: chain}
}

// GeneratePack produces a zip file of events.json, manifest.json and
// README.txt, plus its SHA-256 checksum. The caller is responsible for
// tenant-scoping req.TenantID against the authenticated principal before
// calling this.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, EvidencePack, error) {
	if req.TenantID == "" {
		return nil, EvidencePack{}, ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, EvidencePack{}, ErrInvalidTimeRange
	}

	start, end := req.StartTime, req.EndTime
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	if end.IsZero() {
		end = time.Now().Add(24 * time.Hour)
	}

	events, err := e.chain.Range(ctx, start, end)
	if err != nil {
		return nil, EvidencePack{}, fmt.Errorf("audit: range query: %w", err)
	}

	scoped := make([]*contracts.AuditEvent, 0, len(events))
	for _, ev := range events {
		if ev.TenantID == "" || ev.TenantID == req.TenantID {
			scoped = append(scoped, ev)
		}
	}

	eventsJSON, err := json.MarshalIndent(scoped, "", "  ")
	if err != nil {
		return nil, EvidencePack{}, fmt.Errorf("audit: marshal events: %w", err)
	}

	generatedAt := time.Now()
	manifest := map[string]any{
		"tenantId":    req.TenantID,
		"generatedAt": generatedAt,
		"eventCount":  len(scoped),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, EvidencePack{}, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, EvidencePack{}, err
	}
	if _, err := f.Write(eventsJSON); err != nil {
		return nil, EvidencePack{}, err
	}

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, EvidencePack{}, err
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return nil, EvidencePack{}, err
	}

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, EvidencePack{}, err
	}
	if _, err := fmt.Fprintf(f, "Evidence pack for tenant %s\nGenerated at %s\n", req.TenantID, generatedAt); err != nil {
		return nil, EvidencePack{}, err
	}

	if err := w.Close(); err != nil {
		return nil, EvidencePack{}, fmt.Errorf("audit: close zip: %w", err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)

	return zipBytes, EvidencePack{
		TenantID:    req.TenantID,
		GeneratedAt: generatedAt,
		Checksum:    hex.EncodeToString(sum[:]),
		EventCount:  len(scoped),
	}, nil
}
