// Tests for mapping parsed spans onto derived-metric fields
package ingest

import (
	"testing"
	"time"

	"github.com/andrewh/spanmetrics/pkg/derive"
	"github.com/stretchr/testify/assert"
)

func span(attrs, resource []derive.Annotation) Span {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Span{
		Name:               "submitOrder",
		Scope:              "checkout-scope",
		StartTime:          start,
		EndTime:            start.Add(15234 * time.Microsecond),
		Attributes:         attrs,
		ResourceAttributes: resource,
	}
}

func TestMapperDefaults(t *testing.T) {
	t.Parallel()

	m := NewMapper(Defaults{Source: "host-1"})
	got := m.Map(span(nil, []derive.Annotation{{Key: "service.name", Value: "checkout"}}))

	assert.Equal(t, derive.Span{
		Operation:      "submitOrder",
		Application:    "defaultApp",
		Service:        "checkout",
		Cluster:        "none",
		Shard:          "none",
		Source:         "host-1",
		Component:      "none",
		DurationMicros: 15234,
	}, got)
}

func TestMapperSpanTagsWinOverResource(t *testing.T) {
	t.Parallel()

	m := NewMapper(Defaults{Application: "fallback", Source: "host-1"})
	got := m.Map(span(
		[]derive.Annotation{
			{Key: "application", Value: "shopping"},
			{Key: "cluster", Value: "us-west"},
			{Key: "component", Value: "grpc"},
			{Key: "source", Value: "pod-7"},
		},
		[]derive.Annotation{
			{Key: "application", Value: "ignored"},
			{Key: "service", Value: "checkout"},
			{Key: "shard", Value: "primary"},
			{Key: "service.name", Value: "otel-name"},
		},
	))

	assert.Equal(t, "shopping", got.Application)
	assert.Equal(t, "checkout", got.Service)
	assert.Equal(t, "us-west", got.Cluster)
	assert.Equal(t, "primary", got.Shard)
	assert.Equal(t, "grpc", got.Component)
	assert.Equal(t, "pod-7", got.Source)
	assert.Len(t, got.Annotations, 4, "annotations are passed through in order")
}

func TestMapperServiceFallsBackToScope(t *testing.T) {
	t.Parallel()

	got := NewMapper(Defaults{}).Map(span(nil, nil))
	assert.Equal(t, "checkout-scope", got.Service)
}

func TestMapperErrorDetection(t *testing.T) {
	t.Parallel()

	m := NewMapper(Defaults{})

	s := span(nil, nil)
	assert.False(t, m.Map(s).IsError)

	s.StatusError = true
	assert.True(t, m.Map(s).IsError)

	s = span([]derive.Annotation{{Key: "error", Value: "TRUE"}}, nil)
	assert.True(t, m.Map(s).IsError)

	s = span([]derive.Annotation{{Key: "error", Value: "false"}}, nil)
	assert.False(t, m.Map(s).IsError)
}
