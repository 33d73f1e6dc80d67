package models

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind discriminates the telemetry carried by a Record
type Kind int

const (
	KindUnknown Kind = iota
	KindSpan
	KindMetric
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindSpan:
		return "span"
	case KindMetric:
		return "metric"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// Severity is the message severity level understood by the ingestion service
type Severity int

const (
	SeverityVerbose Severity = iota
	SeverityInformation
	SeverityWarning
	SeverityError
	SeverityCritical
)

// AggregationKind of a metric data point
type AggregationKind int

const (
	AggregationMeasurement AggregationKind = 0
	AggregationHistogram   AggregationKind = 1
)

// ErrUnsupportedRecordKind is returned by Build for records with no payload mapping
var ErrUnsupportedRecordKind = errors.New("unsupported record kind")

// Record is one unit of telemetry handed over by the SDK. It is never mutated.
type Record struct {
	Kind Kind

	// Span, instrument or message name
	Name string

	// Start time for spans, data point time for metrics
	Timestamp time.Time

	// Record attributes, copied to properties
	Attributes []attribute.KeyValue

	// Resource attributes, used for context tags
	Resource []attribute.KeyValue

	// Instrumentation scope name
	Scope string

	// Exactly one of the following is set, matching Kind
	Span   *SpanFields
	Metric *MetricFields
	Log    *LogFields
}

// SpanFields carries the span-only part of a Record
type SpanFields struct {
	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID
	SpanKind     trace.SpanKind
	Duration     time.Duration

	StatusCode        codes.Code
	StatusDescription string

	Links []trace.SpanContext
}

// MetricFields carries one metric data point
type MetricFields struct {
	Value       float64
	Aggregation AggregationKind

	// Histogram only
	Count  int
	Min    *float64
	Max    *float64
	StdDev *float64

	// Numeric measurements attached to the point, copied to measurements
	Measurements map[string]float64
}

// LogFields carries a message, optionally parented on a span
type LogFields struct {
	Message  string
	Severity Severity
	TraceID  trace.TraceID
	SpanID   trace.SpanID
}
