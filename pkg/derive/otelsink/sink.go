// OTel-backed Sink and Sender for derived span metrics
// Counters, histograms and heartbeat gauges recorded through the OTel Metrics API
package otelsink

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/andrewh/spanmetrics/pkg/derive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope derived metrics are recorded under.
const ScopeName = "github.com/andrewh/spanmetrics"

// maxInstrumentNameLen is the OTel limit on instrument name length.
const maxInstrumentNameLen = 255

// Sink records derived metrics as OTel instruments. Delta counters map to
// Int64Counter and histograms to Int64Histogram; tags become attributes.
// Whether counters are exported as deltas is decided by the reader's
// temporality selector.
type Sink struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Int64Histogram
	gauges     map[string]metric.Float64Gauge
}

// New creates a Sink backed by the given MeterProvider.
func New(mp metric.MeterProvider) *Sink {
	return &Sink{
		meter:      mp.Meter(ScopeName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Int64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// DeltaCounter implements derive.Sink.
func (s *Sink) DeltaCounter(name string, tags map[string]string) derive.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = InstrumentName(name)
	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Int64Counter(name, metric.WithDescription("Derived span counter"))
		if err != nil {
			otel.Handle(err)
		}
		s.counters[name] = c
	}
	return counter{c: c, attrs: attributes(tags)}
}

// Histogram implements derive.Sink.
func (s *Sink) Histogram(name string, tags map[string]string) derive.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = InstrumentName(name)
	h, ok := s.histograms[name]
	if !ok {
		var err error
		h, err = s.meter.Int64Histogram(name,
			metric.WithUnit("us"),
			metric.WithDescription("Derived span duration"),
		)
		if err != nil {
			otel.Handle(err)
		}
		s.histograms[name] = h
	}
	return histogram{h: h, attrs: attributes(tags)}
}

// SendMetric implements derive.Sender by recording value on a gauge with the
// source as an attribute. The timestamp is not used: OTel stamps gauge points
// at collection time.
func (s *Sink) SendMetric(name string, value float64, _ int64, source string, tags map[string]string) error {
	s.mu.Lock()
	name = InstrumentName(name)
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Float64Gauge(name, metric.WithDescription("Heartbeat"))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.gauges[name] = g
	}
	s.mu.Unlock()

	withSource := make(map[string]string, len(tags)+1)
	maps.Copy(withSource, tags)
	withSource[derive.SourceTagKey] = source
	g.Record(context.Background(), value, metric.WithAttributeSet(attributes(withSource)))
	return nil
}

type counter struct {
	c     metric.Int64Counter
	attrs attribute.Set
}

func (c counter) Inc(delta int64) {
	c.c.Add(context.Background(), delta, metric.WithAttributeSet(c.attrs))
}

type histogram struct {
	h     metric.Int64Histogram
	attrs attribute.Set
}

func (h histogram) Update(value int64) {
	h.h.Record(context.Background(), value, metric.WithAttributeSet(h.attrs))
}

func attributes(tags map[string]string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		kvs = append(kvs, attribute.String(k, tags[k]))
	}
	return attribute.NewSet(kvs...)
}

// InstrumentName maps a metric name onto the OTel instrument name syntax:
// it must start with a letter and contain only letters, digits, '_', '.',
// '-' and '/'. Leading non-letters are dropped and other invalid characters
// become '_'.
func InstrumentName(name string) string {
	name = strings.TrimLeftFunc(name, func(r rune) bool { return !isLetter(r) })
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case isLetter(r), r >= '0' && r <= '9', r == '_', r == '.', r == '-', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxInstrumentNameLen {
			break
		}
	}
	return b.String()
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
