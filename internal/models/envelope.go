package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope names and base types
const (
	RequestName          = "Microsoft.ApplicationInsights.Request"
	RemoteDependencyName = "Microsoft.ApplicationInsights.RemoteDependency"
	MetricName           = "Microsoft.ApplicationInsights.Metric"
	MessageName          = "Microsoft.ApplicationInsights.Message"

	RequestBaseType          = "RequestData"
	RemoteDependencyBaseType = "RemoteDependencyData"
	MetricBaseType           = "MetricData"
	MessageBaseType          = "MessageData"
)

// Context tag keys
const (
	TagOperationID       = "ai.operation.id"
	TagOperationParentID = "ai.operation.parentId"
	TagOperationName     = "ai.operation.name"
	TagCloudRole         = "ai.cloud.role"
	TagCloudRoleInstance = "ai.cloud.roleInstance"
	TagSDKVersion        = "ai.internal.sdkVersion"
)

// Envelope is the wire unit sent to the ingestion service.
//
// Properties and measurements may be changed by processors. Once an envelope is
// frozen into a Batch it is only ever handled as encoded bytes.
type Envelope struct {
	Ver  int               `json:"ver"`
	Name string            `json:"name"`
	Time string            `json:"time"`
	IKey string            `json:"iKey"`
	Tags map[string]string `json:"tags,omitempty"`
	Data Data              `json:"data"`
}

// Data discriminates the payload by base type
type Data struct {
	BaseType string    `json:"baseType"`
	BaseData *BaseData `json:"baseData"`
}

// BaseData holds the fields common to every payload plus exactly one typed payload.
type BaseData struct {
	Ver          int
	Properties   map[string]string
	Measurements map[string]float64

	Request          *RequestData
	RemoteDependency *RemoteDependencyData
	Metric           *MetricData
	Message          *MessageData
}

type RequestData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Duration     string `json:"duration"`
	ResponseCode string `json:"responseCode"`
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	Source       string `json:"source,omitempty"`
}

type RemoteDependencyData struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ResultCode string `json:"resultCode,omitempty"`
	Duration   string `json:"duration"`
	Success    bool   `json:"success"`
	Data       string `json:"data,omitempty"`
	Type       string `json:"type,omitempty"`
	Target     string `json:"target,omitempty"`
}

type MetricData struct {
	Metrics []DataPoint `json:"metrics"`
}

// DataPoint is a single metric value; Kind 1 points carry the aggregate fields.
type DataPoint struct {
	Namespace string          `json:"ns,omitempty"`
	Name      string          `json:"name"`
	Kind      AggregationKind `json:"kind"`
	Value     float64         `json:"value"`
	Count     *int            `json:"count,omitempty"`
	Min       *float64        `json:"min,omitempty"`
	Max       *float64        `json:"max,omitempty"`
	StdDev    *float64        `json:"stdDev,omitempty"`
}

type MessageData struct {
	Message       string   `json:"message"`
	SeverityLevel Severity `json:"severityLevel"`
}

// Properties returns the property map, creating it if needed.
func (e *Envelope) Properties() map[string]string {
	if e.Data.BaseData.Properties == nil {
		e.Data.BaseData.Properties = make(map[string]string)
	}
	return e.Data.BaseData.Properties
}

// Measurements returns the measurement map, creating it if needed.
func (e *Envelope) Measurements() map[string]float64 {
	if e.Data.BaseData.Measurements == nil {
		e.Data.BaseData.Measurements = make(map[string]float64)
	}
	return e.Data.BaseData.Measurements
}

// Freeze sanitizes the envelope and encodes it. The result is what a Batch holds.
func (e *Envelope) Freeze() (json.RawMessage, error) {
	e.Sanitize()
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("freeze envelope %s: %w", e.Name, err)
	}
	return data, nil
}

type commonFields struct {
	Ver          int                `json:"ver"`
	Properties   map[string]string  `json:"properties"`
	Measurements map[string]float64 `json:"measurements"`
}

// MarshalJSON flattens the typed payload and the common fields into one object.
func (b *BaseData) MarshalJSON() ([]byte, error) {
	var payload any
	switch {
	case b.Request != nil:
		payload = b.Request
	case b.RemoteDependency != nil:
		payload = b.RemoteDependency
	case b.Metric != nil:
		payload = b.Metric
	case b.Message != nil:
		payload = b.Message
	}

	common := commonFields{Ver: b.Ver, Properties: b.Properties, Measurements: b.Measurements}
	if common.Properties == nil {
		common.Properties = map[string]string{}
	}
	if common.Measurements == nil {
		common.Measurements = map[string]float64{}
	}
	commonJSON, err := json.Marshal(common)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return commonJSON, nil
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	// {"ver":2,...} + {payload} -> {"ver":2,...payload...,"properties":..}
	var buf bytes.Buffer
	buf.Grow(len(commonJSON) + len(payloadJSON))
	verEnd := bytes.IndexByte(commonJSON, ',')
	buf.Write(commonJSON[:verEnd+1])
	if inner := payloadJSON[1 : len(payloadJSON)-1]; len(inner) > 0 {
		buf.Write(inner)
		buf.WriteByte(',')
	}
	buf.Write(commonJSON[verEnd+1:])
	return buf.Bytes(), nil
}
