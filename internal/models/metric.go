package models

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// FromMetrics converts collected SDK metrics into records, one per data point.
// Summaries are not supported and are skipped.
func FromMetrics(rm *metricdata.ResourceMetrics) []Record {
	if rm == nil {
		return nil
	}
	var res []attribute.KeyValue
	if rm.Resource != nil {
		res = rm.Resource.Attributes()
	}

	var records []Record
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			base := Record{Kind: KindMetric, Name: m.Name, Resource: res, Scope: sm.Scope.Name}
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				records = appendPoints(records, base, data.DataPoints)
			case metricdata.Gauge[float64]:
				records = appendPoints(records, base, data.DataPoints)
			case metricdata.Sum[int64]:
				records = appendPoints(records, base, data.DataPoints)
			case metricdata.Sum[float64]:
				records = appendPoints(records, base, data.DataPoints)
			case metricdata.Histogram[int64]:
				records = appendHistogram(records, base, data.DataPoints)
			case metricdata.Histogram[float64]:
				records = appendHistogram(records, base, data.DataPoints)
			case metricdata.ExponentialHistogram[int64]:
				records = appendExpHistogram(records, base, data.DataPoints)
			case metricdata.ExponentialHistogram[float64]:
				records = appendExpHistogram(records, base, data.DataPoints)
			}
		}
	}
	return records
}

func appendPoints[N int64 | float64](out []Record, base Record, points []metricdata.DataPoint[N]) []Record {
	for _, dp := range points {
		r := base
		r.Timestamp = dp.Time
		r.Attributes = dp.Attributes.ToSlice()
		r.Metric = &MetricFields{Value: float64(dp.Value), Aggregation: AggregationMeasurement}
		out = append(out, r)
	}
	return out
}

func appendHistogram[N int64 | float64](out []Record, base Record, points []metricdata.HistogramDataPoint[N]) []Record {
	for _, dp := range points {
		r := base
		r.Timestamp = dp.Time
		r.Attributes = dp.Attributes.ToSlice()
		r.Metric = histogramFields(float64(dp.Sum), dp.Count, dp.Min, dp.Max)
		out = append(out, r)
	}
	return out
}

func appendExpHistogram[N int64 | float64](out []Record, base Record, points []metricdata.ExponentialHistogramDataPoint[N]) []Record {
	for _, dp := range points {
		r := base
		r.Timestamp = dp.Time
		r.Attributes = dp.Attributes.ToSlice()
		r.Metric = histogramFields(float64(dp.Sum), dp.Count, dp.Min, dp.Max)
		out = append(out, r)
	}
	return out
}

func histogramFields[N int64 | float64](sum float64, count uint64, lo, hi metricdata.Extrema[N]) *MetricFields {
	f := &MetricFields{
		Value:       sum,
		Aggregation: AggregationHistogram,
		Count:       int(count),
	}
	if v, ok := lo.Value(); ok {
		m := float64(v)
		f.Min = &m
	}
	if v, ok := hi.Value(); ok {
		m := float64(v)
		f.Max = &m
	}
	return f
}
