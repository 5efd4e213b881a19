package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline attribute keys.
var (
	AttrOperation = attribute.Key("regtruth.operation")
	AttrReason    = attribute.Key("regtruth.reason")
	AttrPhase     = attribute.Key("regtruth.phase")
	AttrEntity    = attribute.Key("regtruth.entity")
	AttrTier      = attribute.Key("regtruth.risk_tier")
	AttrSeverity  = attribute.Key("regtruth.severity")
)

// Metrics holds the domain counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	extractionAccepted    metric.Int64Counter
	extractionRejections  metric.Int64Counter
	compositionRejections metric.Int64Counter
	escalations           metric.Int64Counter
	repairs               metric.Int64Counter
	eventsEmitted         metric.Int64Counter
}

// NewMetrics registers the domain counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.extractionAccepted, err = meter.Int64Counter("regtruth.extraction.accepted",
		metric.WithDescription("Candidate facts accepted with a verified quote"),
		metric.WithUnit("{pointer}")); err != nil {
		return nil, err
	}
	if m.extractionRejections, err = meter.Int64Counter("regtruth.extraction.rejections",
		metric.WithDescription("Candidate facts rejected by the quote contract"),
		metric.WithUnit("{candidate}")); err != nil {
		return nil, err
	}
	if m.compositionRejections, err = meter.Int64Counter("regtruth.compose.rejections",
		metric.WithDescription("Rule drafts rejected by fail-closed validation"),
		metric.WithUnit("{rule}")); err != nil {
		return nil, err
	}
	if m.escalations, err = meter.Int64Counter("regtruth.arbiter.escalations",
		metric.WithDescription("Conflicts escalated to a human"),
		metric.WithUnit("{conflict}")); err != nil {
		return nil, err
	}
	if m.repairs, err = meter.Int64Counter("regtruth.integrity.repairs",
		metric.WithDescription("Stored hashes rewritten by a repair routine"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.eventsEmitted, err = meter.Int64Counter("regtruth.events.emitted",
		metric.WithDescription("Content-sync events newly inserted"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultMetrics registers the counters on the global meter.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		return nil
	}
	return m
}

func (m *Metrics) ExtractionAccepted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.extractionAccepted.Add(ctx, int64(n))
}

func (m *Metrics) ExtractionRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.extractionRejections.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) CompositionRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.compositionRejections.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) Escalated(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) Repaired(ctx context.Context, entity string) {
	if m == nil {
		return
	}
	m.repairs.Add(ctx, 1, metric.WithAttributes(AttrEntity.String(entity)))
}

func (m *Metrics) EventEmitted(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(AttrSeverity.String(severity)))
}
