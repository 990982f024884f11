package audit

import (
	"context"
	"time"
)

// Sink persists a generated evidence pack somewhere durable (object
// storage, a mounted volume, ...). The kernel ships no concrete Sink —
// wiring one in is a deployment decision out of this package's scope.
type Sink interface {
	Write(ctx context.Context, pack EvidencePack, zipBytes []byte) error
}

// ContinuousExporter drives the scheduler's audit-export background
// driver: on each tick it advances a watermark and exports everything
// appended since the last export, for every known tenant.
type ContinuousExporter struct {
	exporter  *Exporter
	sink      Sink
	tenants   func(ctx context.Context) ([]string, error)
	watermark time.Time
	now       func() time.Time
}

// NewContinuousExporter wraps exporter and sink. tenants lists the
// tenants to export on each batch.
func NewContinuousExporter(exporter *Exporter, sink Sink, tenants func(ctx context.Context) ([]string, error)) *ContinuousExporter {
	return &ContinuousExporter{
		exporter:  exporter,
		sink:      sink,
		tenants:   tenants,
		watermark: time.Unix(0, 0),
		now:       time.Now,
	}
}

// ExportNextBatch exports every tenant's events between the current
// watermark and now, advances the watermark, and returns how many
// tenants were exported (tenants with zero events in the window still
// count, since the watermark must still advance for them).
func (c *ContinuousExporter) ExportNextBatch(ctx context.Context) (int, error) {
	end := c.now()
	tenants, err := c.tenants(ctx)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, tenantID := range tenants {
		zipBytes, pack, err := c.exporter.GeneratePack(ctx, ExportRequest{
			TenantID:  tenantID,
			StartTime: c.watermark,
			EndTime:   end,
		})
		if err != nil {
			return exported, err
		}
		if err := c.sink.Write(ctx, pack, zipBytes); err != nil {
			return exported, err
		}
		exported++
	}
	c.watermark = end
	return exported, nil
}
