package models

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// SDKVersion is reported in the ai.internal.sdkVersion tag
const SDKVersion = "lumen-go:0.1.0"

// Attribute keys consumed by the span mapping
const (
	attrHTTPMethod     = "http.method"
	attrHTTPRoute      = "http.route"
	attrHTTPPath       = "http.path"
	attrHTTPURL        = "http.url"
	attrHTTPStatusCode = "http.status_code"
	attrDBSystem       = "db.system"
	attrDBStatement    = "db.statement"
	attrDBName         = "db.name"
	attrNetPeerName    = "net.peer.name"
	attrNetPeerPort    = "net.peer.port"
	attrRPCSystem      = "rpc.system"

	propRequestName = "request.name"
	propRequestURL  = "request.url"
	propLinks       = "_MS.links"
)

// Builder turns Records into Envelopes for one write key.
// Build is a pure function of the record and the builder's configuration.
type Builder struct {
	ikey string
	tags map[string]string
}

// NewBuilder creates a builder. contextTags are added to every envelope and
// are overridden by tags derived from the record.
func NewBuilder(ikey string, contextTags map[string]string) *Builder {
	tags := make(map[string]string, len(contextTags)+1)
	tags[TagSDKVersion] = SDKVersion
	for k, v := range contextTags {
		tags[k] = v
	}
	return &Builder{ikey: ikey, tags: tags}
}

// Build maps a record to an envelope. Records whose kind has no payload mapping
// fail with ErrUnsupportedRecordKind.
func (b *Builder) Build(r Record) (*Envelope, error) {
	var env *Envelope
	switch {
	case r.Kind == KindSpan && r.Span != nil:
		env = b.buildSpan(r)
	case r.Kind == KindMetric && r.Metric != nil:
		env = b.buildMetric(r)
	case r.Kind == KindLog && r.Log != nil:
		env = b.buildLog(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRecordKind, r.Kind)
	}
	env.Sanitize()
	return env, nil
}

func (b *Builder) newEnvelope(r Record, name, baseType string) *Envelope {
	tags := make(map[string]string, len(b.tags)+4)
	for k, v := range b.tags {
		tags[k] = v
	}
	for _, kv := range r.Resource {
		switch kv.Key {
		case semconv.ServiceNameKey:
			tags[TagCloudRole] = kv.Value.Emit()
		case semconv.HostNameKey:
			tags[TagCloudRoleInstance] = kv.Value.Emit()
		}
	}
	return &Envelope{
		Ver:  1,
		Name: name,
		Time: FormatTime(r.Timestamp),
		IKey: b.ikey,
		Tags: tags,
		Data: Data{
			BaseType: baseType,
			BaseData: &BaseData{Ver: 2, Properties: map[string]string{}},
		},
	}
}

// attrIndex is a read-only view of record attributes keyed by name.
type attrIndex map[attribute.Key]attribute.Value

func indexAttributes(kvs []attribute.KeyValue) attrIndex {
	idx := make(attrIndex, len(kvs))
	for _, kv := range kvs {
		idx[kv.Key] = kv.Value
	}
	return idx
}

func (a attrIndex) str(key string) (string, bool) {
	v, ok := a[attribute.Key(key)]
	if !ok {
		return "", false
	}
	return v.Emit(), true
}

func (a attrIndex) integer(key string) (int64, bool) {
	v, ok := a[attribute.Key(key)]
	if !ok {
		return 0, false
	}
	switch v.Type() {
	case attribute.INT64:
		return v.AsInt64(), true
	case attribute.FLOAT64:
		return int64(v.AsFloat64()), true
	case attribute.STRING:
		n, err := strconv.ParseInt(v.AsString(), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (b *Builder) buildSpan(r Record) *Envelope {
	s := r.Span
	attrs := indexAttributes(r.Attributes)

	var env *Envelope
	if s.SpanKind == trace.SpanKindServer {
		env = b.newEnvelope(r, RequestName, RequestBaseType)
		env.Data.BaseData.Request = b.requestData(r, attrs, env)
	} else {
		env = b.newEnvelope(r, RemoteDependencyName, RemoteDependencyBaseType)
		env.Data.BaseData.RemoteDependency = b.dependencyData(r, attrs)
	}

	env.Tags[TagOperationID] = s.TraceID.String()
	if s.ParentSpanID.IsValid() {
		env.Tags[TagOperationParentID] = s.ParentSpanID.String()
	}

	props := env.Data.BaseData.Properties
	for _, kv := range r.Attributes {
		if consumedKey(string(kv.Key)) {
			continue
		}
		props[string(kv.Key)] = kv.Value.Emit()
	}
	if links := linksProperty(s.Links); links != "" {
		props[propLinks] = links
	}
	return env
}

func consumedKey(k string) bool {
	switch k {
	case attrHTTPMethod, attrHTTPRoute, attrHTTPPath, attrHTTPURL, attrHTTPStatusCode,
		attrDBSystem, attrDBStatement, attrDBName, attrNetPeerName, attrNetPeerPort:
		return true
	}
	return false
}

func (b *Builder) requestData(r Record, attrs attrIndex, env *Envelope) *RequestData {
	s := r.Span
	req := &RequestData{
		ID:       s.SpanID.String(),
		Name:     r.Name,
		Duration: FormatDuration(s.Duration),
	}

	method, hasMethod := attrs.str(attrHTTPMethod)
	route, hasRoute := attrs.str(attrHTTPRoute)
	if !hasRoute {
		route, hasRoute = attrs.str(attrHTTPPath)
	}
	switch {
	case hasMethod && hasRoute:
		req.Name = method + " " + route
		env.Data.BaseData.Properties[propRequestName] = req.Name
		env.Tags[TagOperationName] = req.Name
	case hasMethod:
		req.Name = method
		env.Tags[TagOperationName] = req.Name
	}
	if u, ok := attrs.str(attrHTTPURL); ok {
		req.URL = u
		env.Data.BaseData.Properties[propRequestURL] = u
	}

	req.ResponseCode, req.Success = resultCode(attrs, s.StatusCode)
	return req
}

func (b *Builder) dependencyData(r Record, attrs attrIndex) *RemoteDependencyData {
	s := r.Span
	dep := &RemoteDependencyData{
		ID:       s.SpanID.String(),
		Name:     r.Name,
		Duration: FormatDuration(s.Duration),
	}
	dep.ResultCode, dep.Success = resultCode(attrs, s.StatusCode)

	if s.SpanKind == trace.SpanKindInternal {
		dep.Type = "InProc"
		return dep
	}

	if rawURL, ok := attrs.str(attrHTTPURL); ok {
		dep.Type = "HTTP"
		dep.Data = rawURL
		if u, err := url.Parse(rawURL); err == nil {
			dep.Target = u.Host
			if method, ok := attrs.str(attrHTTPMethod); ok {
				dep.Name = method + " " + u.EscapedPath()
			}
		}
		return dep
	}
	if _, ok := attrs.str(attrHTTPMethod); ok {
		dep.Type = "HTTP"
		return dep
	}

	if system, ok := attrs.str(attrDBSystem); ok {
		dep.Type = system
		dep.Data, _ = attrs.str(attrDBStatement)
		if name, ok := attrs.str(attrDBName); ok {
			dep.Target = name
		} else if peer, ok := attrs.str(attrNetPeerName); ok {
			dep.Target = peer
			if port, ok := attrs.str(attrNetPeerPort); ok {
				dep.Target = net.JoinHostPort(peer, port)
			}
		}
		return dep
	}

	if system, ok := attrs.str(attrRPCSystem); ok {
		dep.Type = system
	}
	return dep
}

// resultCode prefers the HTTP status code and falls back to the gRPC code of the
// span status.
func resultCode(attrs attrIndex, status codes.Code) (string, bool) {
	if code, ok := attrs.integer(attrHTTPStatusCode); ok {
		return strconv.FormatInt(code, 10), code < 400
	}
	if status == codes.Error {
		return "2", false
	}
	return "0", true
}

type linkRef struct {
	OperationID string `json:"operation_Id"`
	ID          string `json:"id"`
}

func linksProperty(links []trace.SpanContext) string {
	if len(links) == 0 {
		return ""
	}
	refs := make([]linkRef, 0, len(links))
	for _, l := range links {
		refs = append(refs, linkRef{OperationID: l.TraceID().String(), ID: l.SpanID().String()})
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return ""
	}
	return string(data)
}

func (b *Builder) buildMetric(r Record) *Envelope {
	m := r.Metric
	env := b.newEnvelope(r, MetricName, MetricBaseType)

	point := DataPoint{
		Namespace: r.Scope,
		Name:      r.Name,
		Kind:      m.Aggregation,
		Value:     m.Value,
	}
	if m.Aggregation == AggregationHistogram {
		count := m.Count
		point.Count = &count
		point.Min = m.Min
		point.Max = m.Max
		point.StdDev = m.StdDev
	}
	env.Data.BaseData.Metric = &MetricData{Metrics: []DataPoint{point}}

	props := env.Data.BaseData.Properties
	for _, kv := range r.Attributes {
		props[string(kv.Key)] = kv.Value.Emit()
	}
	if len(m.Measurements) > 0 {
		meas := env.Measurements()
		for k, v := range m.Measurements {
			meas[k] = v
		}
	}
	return env
}

func (b *Builder) buildLog(r Record) *Envelope {
	l := r.Log
	env := b.newEnvelope(r, MessageName, MessageBaseType)
	env.Data.BaseData.Message = &MessageData{
		Message:       SanitizeValue(l.Message),
		SeverityLevel: l.Severity,
	}
	if l.TraceID.IsValid() {
		env.Tags[TagOperationID] = l.TraceID.String()
	}
	if l.SpanID.IsValid() {
		env.Tags[TagOperationParentID] = l.SpanID.String()
	}

	props := env.Data.BaseData.Properties
	for _, kv := range r.Attributes {
		props[string(kv.Key)] = kv.Value.Emit()
	}
	return env
}
