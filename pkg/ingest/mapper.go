// Mapping from parsed spans to the fields derived metrics are keyed on
// Reads application, service, cluster, shard, component and source tags with defaults
package ingest

import (
	"strings"

	"github.com/andrewh/spanmetrics/pkg/derive"
)

// Tag values used when a span does not carry its own.
const (
	DefaultApplication = "defaultApp"
	NullTagValue       = "none"
)

// serviceNameKey is the OTel resource attribute naming the service.
const serviceNameKey = "service.name"

// Defaults supplies values for span tags that are absent.
type Defaults struct {
	Application string
	Cluster     string
	Shard       string
	Component   string
	Source      string
}

// Mapper turns parsed spans into derive.Span values.
type Mapper struct {
	Defaults Defaults
}

// NewMapper returns a Mapper, filling empty defaults with DefaultApplication
// and NullTagValue.
func NewMapper(d Defaults) *Mapper {
	if d.Application == "" {
		d.Application = DefaultApplication
	}
	if d.Cluster == "" {
		d.Cluster = NullTagValue
	}
	if d.Shard == "" {
		d.Shard = NullTagValue
	}
	if d.Component == "" {
		d.Component = NullTagValue
	}
	return &Mapper{Defaults: d}
}

// Map extracts the derived-metric fields of s. Well-known tags are read from
// span attributes first and resource attributes second. The service falls
// back to the resource service.name, then to the instrumentation scope.
// A span is an error when its status is Error or it carries error=true.
func (m *Mapper) Map(s Span) derive.Span {
	service := m.tag(s, derive.ServiceTagKey, "")
	if service == "" {
		service, _ = s.ResourceAttribute(serviceNameKey)
	}
	if service == "" {
		service = s.Scope
	}

	return derive.Span{
		Operation:      s.Name,
		Application:    m.tag(s, derive.ApplicationTagKey, m.Defaults.Application),
		Service:        service,
		Cluster:        m.tag(s, derive.ClusterTagKey, m.Defaults.Cluster),
		Shard:          m.tag(s, derive.ShardTagKey, m.Defaults.Shard),
		Source:         m.tag(s, derive.SourceTagKey, m.Defaults.Source),
		Component:      m.tag(s, derive.ComponentTagKey, m.Defaults.Component),
		IsError:        s.StatusError || isErrorTag(s),
		DurationMicros: s.EndTime.Sub(s.StartTime).Microseconds(),
		Annotations:    s.Attributes,
	}
}

func (m *Mapper) tag(s Span, key, fallback string) string {
	if v, ok := s.Attribute(key); ok && v != "" {
		return v
	}
	if v, ok := s.ResourceAttribute(key); ok && v != "" {
		return v
	}
	return fallback
}

func isErrorTag(s Span) bool {
	v, ok := s.Attribute(derive.ErrorTagKey)
	return ok && strings.EqualFold(v, derive.ErrorTagValue)
}
