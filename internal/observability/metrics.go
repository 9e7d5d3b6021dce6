package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OTel metric instruments for parity runs.
type Metrics struct {
	Comparisons   metric.Int64Counter
	Mismatches    metric.Int64Counter
	Skipped       metric.Int64Counter
	StageRuns     metric.Int64Counter
	Crashes       metric.Int64Counter
	StageDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("opparity")

	comparisons, err := meter.Int64Counter("opparity.compare.leaves",
		metric.WithDescription("Number of leaf comparisons performed"),
	)
	if err != nil {
		return nil, err
	}

	mismatches, err := meter.Int64Counter("opparity.compare.mismatches",
		metric.WithDescription("Number of leaf comparisons that failed"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter("opparity.compare.skipped",
		metric.WithDescription("Number of leaves skipped because a side was missing"),
	)
	if err != nil {
		return nil, err
	}

	stageRuns, err := meter.Int64Counter("opparity.stage.runs",
		metric.WithDescription("Number of engine executions per stage"),
	)
	if err != nil {
		return nil, err
	}

	crashes, err := meter.Int64Counter("opparity.stage.crashes",
		metric.WithDescription("Number of try-run children classified as crashed"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram("opparity.stage.duration_seconds",
		metric.WithDescription("Wall time of one engine execution"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Comparisons:   comparisons,
		Mismatches:    mismatches,
		Skipped:       skipped,
		StageRuns:     stageRuns,
		Crashes:       crashes,
		StageDuration: stageDuration,
	}, nil
}

// RecordLeaf records one leaf comparison and whether it matched.
func (m *Metrics) RecordLeaf(ctx context.Context, path string, matched bool) {
	if m == nil {
		return
	}

	m.Comparisons.Add(ctx, 1)
	if !matched {
		m.Mismatches.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

// RecordSkip records a leaf skipped for a missing side or key.
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	if m == nil {
		return
	}

	m.Skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStage records one engine execution.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.StageRuns.Add(ctx, 1, attrs)
	m.StageDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCrash records a crashed try-run child.
func (m *Metrics) RecordCrash(ctx context.Context, stage string) {
	if m == nil {
		return
	}

	m.Crashes.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
