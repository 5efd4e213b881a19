package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "regtruth", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.Metrics())

	ctx, done := p.TrackOperation(context.Background(), "phase.extract")
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	_, done = p.TrackOperation(context.Background(), "phase.compose")
	done(nil)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ExtractionAccepted(ctx, 3)
	m.ExtractionRejected(ctx, "NO_QUOTE_MATCH")
	m.CompositionRejected(ctx, "PARSE_ERROR")
	m.Escalated(ctx, "scores_within_margin")
	m.Repaired(ctx, "evidence")
	m.EventEmitted(ctx, "major")
}

func TestMetrics_RejectionCounterRecordsReason(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.ExtractionRejected(ctx, "NO_QUOTE_MATCH")
	m.ExtractionRejected(ctx, "NO_QUOTE_MATCH")
	m.ExtractionRejected(ctx, "EMPTY_QUOTE")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "regtruth.extraction.rejections" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				reason, _ := dp.Attributes.Value(AttrReason)
				got[reason.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, int64(2), got["NO_QUOTE_MATCH"])
	require.Equal(t, int64(1), got["EMPTY_QUOTE"])
}
