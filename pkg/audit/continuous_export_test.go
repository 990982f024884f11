package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryrelease/kernel/pkg/audit"
)

type stubSink struct {
	writes int
}

func (s *stubSink) Write(ctx context.Context, pack audit.EvidencePack, zipBytes []byte) error {
	s.writes++
	return nil
}

func TestContinuousExporter_AdvancesWatermarkPerBatch(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	_, err := chain.Append(ctx, "manifest.signed", map[string]any{"manifestId": "m-1"}, map[string]any{"tenantId": "tenant-a"})
	require.NoError(t, err)

	exporter := audit.NewExporter(chain)
	sink := &stubSink{}
	tenants := func(ctx context.Context) ([]string, error) { return []string{"tenant-a"}, nil }

	ce := audit.NewContinuousExporter(exporter, sink, tenants)

	n, err := ce.ExportNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sink.writes)

	n, err = ce.ExportNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, sink.writes)
}
