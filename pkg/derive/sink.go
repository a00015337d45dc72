// Collaborator interfaces the derivation core writes into
// Sink aggregates derived metrics; Sender delivers heartbeats
package derive

// Counter is a delta counter obtained from a Sink.
type Counter interface {
	Inc(delta int64)
}

// Histogram accumulates samples obtained from a Sink.
type Histogram interface {
	Update(value int64)
}

// Sink creates or returns the aggregator for a metric name and tag set.
// Implementations must be safe for concurrent use and must return the same
// underlying aggregator for identical name and tags.
type Sink interface {
	DeltaCounter(name string, tags map[string]string) Counter
	Histogram(name string, tags map[string]string) Histogram
}

// Sender delivers a single metric point to the metrics backend.
// timestamp is in epoch seconds.
type Sender interface {
	SendMetric(name string, value float64, timestamp int64, source string, tags map[string]string) error
}
