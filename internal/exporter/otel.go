package exporter

import (
	"context"
	"sync/atomic"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"lumen/internal/models"
)

// SpanExporter adapts e to the OpenTelemetry trace SDK. Shutting the adapter
// down flushes e and stops the adapter only; e is closed by its own Shutdown,
// so trace and metric providers can share one exporter.
func (e *Exporter) SpanExporter() sdktrace.SpanExporter {
	return &spanExporter{e: e}
}

// MetricExporter adapts e to the OpenTelemetry metric SDK
func (e *Exporter) MetricExporter() sdkmetric.Exporter {
	return &metricExporter{e: e}
}

type spanExporter struct {
	e      *Exporter
	closed atomic.Bool
}

func (s *spanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if s.closed.Load() || s.e.Closed() {
		return ErrExporterClosed
	}
	if s.e.Export(ctx, models.FromSpans(spans)) == Failure {
		return ErrExportFailed
	}
	return nil
}

func (s *spanExporter) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) || s.e.Closed() {
		return nil
	}
	return flushError(s.e.ForceFlush(ctx))
}

type metricExporter struct {
	e      *Exporter
	closed atomic.Bool
}

func (m *metricExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (m *metricExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (m *metricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if m.closed.Load() || m.e.Closed() {
		return ErrExporterClosed
	}
	if m.e.Export(ctx, models.FromMetrics(rm)) == Failure {
		return ErrExportFailed
	}
	return nil
}

func (m *metricExporter) ForceFlush(ctx context.Context) error {
	if m.e.Closed() {
		return nil
	}
	return flushError(m.e.ForceFlush(ctx))
}

func (m *metricExporter) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) || m.e.Closed() {
		return nil
	}
	return flushError(m.e.ForceFlush(ctx))
}

func flushError(report FlushReport) error {
	if report.Err != nil {
		return report.Err
	}
	if !report.OK() {
		return ErrExportFailed
	}
	return nil
}

var (
	_ sdktrace.SpanExporter = (*spanExporter)(nil)
	_ sdkmetric.Exporter    = (*metricExporter)(nil)
)
