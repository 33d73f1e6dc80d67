package models

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// FromSpans converts finished SDK spans into records. Each span yields one span
// record followed by one log record per span event.
func FromSpans(spans []sdktrace.ReadOnlySpan) []Record {
	records := make([]Record, 0, len(spans))
	for _, span := range spans {
		sc := span.SpanContext()
		var res []attribute.KeyValue
		if r := span.Resource(); r != nil {
			res = r.Attributes()
		}

		links := make([]trace.SpanContext, 0, len(span.Links()))
		for _, l := range span.Links() {
			links = append(links, l.SpanContext)
		}

		records = append(records, Record{
			Kind:       KindSpan,
			Name:       span.Name(),
			Timestamp:  span.StartTime(),
			Attributes: span.Attributes(),
			Resource:   res,
			Scope:      span.InstrumentationScope().Name,
			Span: &SpanFields{
				TraceID:           sc.TraceID(),
				SpanID:            sc.SpanID(),
				ParentSpanID:      span.Parent().SpanID(),
				SpanKind:          span.SpanKind(),
				Duration:          span.EndTime().Sub(span.StartTime()),
				StatusCode:        span.Status().Code,
				StatusDescription: span.Status().Description,
				Links:             links,
			},
		})

		for _, ev := range span.Events() {
			records = append(records, Record{
				Kind:       KindLog,
				Name:       ev.Name,
				Timestamp:  ev.Time,
				Attributes: ev.Attributes,
				Resource:   res,
				Scope:      span.InstrumentationScope().Name,
				Log: &LogFields{
					Message:  ev.Name,
					Severity: SeverityInformation,
					TraceID:  sc.TraceID(),
					SpanID:   sc.SpanID(),
				},
			})
		}
	}
	return records
}
