// Reporter ties the translator to a sink and a shared discovery set
package derive

// Reporter derives metrics for spans and records their heartbeat keys.
// It is safe for concurrent use when its Sink is.
type Reporter struct {
	Sink          Sink
	Discovered    *Discovered
	CustomTagKeys TagKeySet
}

// NewReporter returns a Reporter writing into sink and discovered.
func NewReporter(sink Sink, discovered *Discovered, customTagKeys TagKeySet) *Reporter {
	return &Reporter{Sink: sink, Discovered: discovered, CustomTagKeys: customTagKeys}
}

// Report emits the derived metrics for span and adds its heartbeat key to the
// discovery set. It returns the key.
func (r *Reporter) Report(span Span) HeartbeatMetricKey {
	key := ReportDerivedMetrics(r.Sink, span, r.CustomTagKeys)
	r.Discovered.Add(key)
	return key
}
