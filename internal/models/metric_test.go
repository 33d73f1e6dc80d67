package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestFromMetrics(t *testing.T) {
	attrs := attribute.NewSet(attribute.String("route", "/a"))
	rm := &metricdata.ResourceMetrics{
		Resource: resource.NewSchemaless(attribute.String("service.name", "svc")),
		ScopeMetrics: []metricdata.ScopeMetrics{{
			Scope: instrumentation.Scope{Name: "app"},
			Metrics: []metricdata.Metrics{
				{
					Name: "requests",
					Data: metricdata.Sum[int64]{
						Temporality: metricdata.CumulativeTemporality,
						IsMonotonic: true,
						DataPoints: []metricdata.DataPoint[int64]{
							{Attributes: attrs, Time: testStart, Value: 3},
							{Attributes: attribute.NewSet(), Time: testStart, Value: 4},
						},
					},
				},
				{
					Name: "latency",
					Data: metricdata.Histogram[float64]{
						Temporality: metricdata.DeltaTemporality,
						DataPoints: []metricdata.HistogramDataPoint[float64]{{
							Attributes: attrs,
							Time:       testStart,
							Count:      4,
							Sum:        10,
							Min:        metricdata.NewExtrema(0.5),
							Max:        metricdata.NewExtrema(6.0),
						}},
					},
				},
				{
					Name: "queue",
					Data: metricdata.Gauge[float64]{
						DataPoints: []metricdata.DataPoint[float64]{{Time: testStart, Value: 1.5}},
					},
				},
			},
		}},
	}

	records := FromMetrics(rm)
	require.Len(t, records, 4)

	assert.Equal(t, "requests", records[0].Name)
	assert.Equal(t, 3.0, records[0].Metric.Value)
	assert.Equal(t, "app", records[0].Scope)
	assert.Equal(t, []attribute.KeyValue{attribute.String("route", "/a")}, records[0].Attributes)
	assert.Equal(t, 4.0, records[1].Metric.Value)

	hist := records[2].Metric
	assert.Equal(t, AggregationHistogram, hist.Aggregation)
	assert.Equal(t, 10.0, hist.Value)
	assert.Equal(t, 4, hist.Count)
	require.NotNil(t, hist.Min)
	require.NotNil(t, hist.Max)
	assert.Equal(t, 0.5, *hist.Min)
	assert.Equal(t, 6.0, *hist.Max)

	assert.Equal(t, AggregationMeasurement, records[3].Metric.Aggregation)
	assert.Equal(t, 1.5, records[3].Metric.Value)

	assert.Nil(t, FromMetrics(nil))
}
