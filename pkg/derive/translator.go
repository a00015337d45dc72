// Span-to-metrics translation: RED metrics and heartbeat keys from one span
// Emits invocation, error, duration and total-time metrics into a Sink
package derive

import "maps"

// Metric naming and well-known tag keys.
const (
	MetricPrefix = "tracing.derived"

	InvocationSuffix = ".invocation"
	ErrorSuffix      = ".error"
	DurationSuffix   = ".duration.micros"
	TotalTimeSuffix  = ".total_time.millis"

	ApplicationTagKey   = "application"
	ServiceTagKey       = "service"
	ClusterTagKey       = "cluster"
	ShardTagKey         = "shard"
	ComponentTagKey     = "component"
	SourceTagKey        = "source"
	OperationNameTagKey = "operationName"

	ErrorTagKey   = "error"
	ErrorTagValue = "true"
	DebugTagKey   = "debug"
)

// Annotation is a single key/value tag carried by a span.
type Annotation struct {
	Key   string
	Value string
}

// Span holds the span fields the translator needs. The ingestion layer fills
// it in; the translator does not validate it.
type Span struct {
	Operation      string
	Application    string
	Service        string
	Cluster        string
	Shard          string
	Source         string
	Component      string
	IsError        bool
	DurationMicros int64
	Annotations    []Annotation
}

// TagKeySet is the set of annotation keys propagated into derived metrics and
// heartbeats.
type TagKeySet map[string]struct{}

// NewTagKeySet builds a TagKeySet from keys.
func NewTagKeySet(keys ...string) TagKeySet {
	set := make(TagKeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Contains reports whether key is in the set.
func (s TagKeySet) Contains(key string) bool {
	_, ok := s[key]
	return ok
}

// ReportDerivedMetrics emits the derived metrics for span into sink and
// returns the heartbeat key of the entity the span belongs to.
//
// Emitted, all named MetricPrefix + "." + Sanitize(app.service.operation + suffix):
//   - ".invocation" delta counter, +1
//   - ".error" delta counter, +1, only for error spans
//   - ".duration.micros" histogram sample; error spans add error=true to its tags
//   - ".total_time.millis" delta counter, +duration/1000 (truncated)
func ReportDerivedMetrics(sink Sink, span Span, customTagKeys TagKeySet) HeartbeatMetricKey {
	pointTags := basePointTags(span)

	// Custom tags go into a separate map: they are echoed into heartbeats,
	// the full point tag set is not.
	customTags := make(map[string]string)
	if len(customTagKeys) > 0 {
		for _, a := range span.Annotations {
			if customTagKeys.Contains(a.Key) {
				pointTags[a.Key] = a.Value
				customTags[a.Key] = a.Value
			}
		}
	}

	base := span.Application + "." + span.Service + "." + span.Operation

	sink.DeltaCounter(metricName(base, InvocationSuffix), pointTags).Inc(1)

	if span.IsError {
		sink.DeltaCounter(metricName(base, ErrorSuffix), pointTags).Inc(1)
	}

	durationTags := pointTags
	if span.IsError {
		durationTags = withTag(pointTags, ErrorTagKey, ErrorTagValue)
	}
	sink.Histogram(metricName(base, DurationSuffix), durationTags).Update(span.DurationMicros)

	sink.DeltaCounter(metricName(base, TotalTimeSuffix), pointTags).Inc(span.DurationMicros / 1000)

	return HeartbeatMetricKey{
		Application: span.Application,
		Service:     span.Service,
		Cluster:     span.Cluster,
		Shard:       span.Shard,
		Source:      span.Source,
		CustomTags:  customTags,
	}
}

// MetricName returns the full derived metric name for the given span fields
// and suffix, e.g. MetricName("shop", "checkout", "submit", ".invocation").
func MetricName(application, service, operation, suffix string) string {
	return metricName(application+"."+service+"."+operation, suffix)
}

// Sanitisation covers the whole composed name, not each segment.
func metricName(base, suffix string) string {
	return MetricPrefix + "." + Sanitize(base+suffix)
}

func basePointTags(span Span) map[string]string {
	tags := make(map[string]string, 7+len(span.Annotations))
	tags[ApplicationTagKey] = span.Application
	tags[ServiceTagKey] = span.Service
	tags[ClusterTagKey] = span.Cluster
	tags[ShardTagKey] = span.Shard
	tags[OperationNameTagKey] = span.Operation
	tags[ComponentTagKey] = span.Component
	tags[SourceTagKey] = span.Source
	return tags
}

// withTag returns a copy of tags with key set to value.
func withTag(tags map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	maps.Copy(out, tags)
	out[key] = value
	return out
}
