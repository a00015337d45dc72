// In-memory Sink and Sender for testing code built on package derive
// Records every counter increment, histogram sample and sent metric
package derivetest

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/andrewh/spanmetrics/pkg/derive"
)

// Series identifies one aggregator by name and tag set.
type Series struct {
	Name string
	Tags map[string]string
}

func seriesID(name string, tags map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// Sink is a derive.Sink that keeps counter totals and histogram samples in memory.
type Sink struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
}

// NewSink returns an empty Sink.
func NewSink() *Sink {
	return &Sink{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
	}
}

// DeltaCounter implements derive.Sink.
func (s *Sink) DeltaCounter(name string, tags map[string]string) derive.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := seriesID(name, tags)
	c, ok := s.counters[id]
	if !ok {
		c = &Counter{Series: Series{Name: name, Tags: maps.Clone(tags)}}
		s.counters[id] = c
	}
	return c
}

// Histogram implements derive.Sink.
func (s *Sink) Histogram(name string, tags map[string]string) derive.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := seriesID(name, tags)
	h, ok := s.histograms[id]
	if !ok {
		h = &Histogram{Series: Series{Name: name, Tags: maps.Clone(tags)}}
		s.histograms[id] = h
	}
	return h
}

// Counters returns every counter created so far with the given name.
func (s *Sink) Counters(name string) []*Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Counter
	for _, c := range s.counters {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Histograms returns every histogram created so far with the given name.
func (s *Sink) Histograms(name string) []*Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Histogram
	for _, h := range s.histograms {
		if h.Name == name {
			out = append(out, h)
		}
	}
	return out
}

// Names returns the sorted names of all counters and histograms.
func (s *Sink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, c := range s.counters {
		set[c.Name] = struct{}{}
	}
	for _, h := range s.histograms {
		set[h.Name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Counter is a recorded delta counter.
type Counter struct {
	Series
	mu    sync.Mutex
	total int64
	incs  int
}

// Inc implements derive.Counter.
func (c *Counter) Inc(delta int64) {
	c.mu.Lock()
	c.total += delta
	c.incs++
	c.mu.Unlock()
}

// Total returns the sum of all increments.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Increments returns how many times Inc was called.
func (c *Counter) Increments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incs
}

// Histogram is a recorded histogram.
type Histogram struct {
	Series
	mu      sync.Mutex
	samples []int64
}

// Update implements derive.Histogram.
func (h *Histogram) Update(value int64) {
	h.mu.Lock()
	h.samples = append(h.samples, value)
	h.mu.Unlock()
}

// Samples returns a copy of the recorded samples.
func (h *Histogram) Samples() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.samples)
}

// Point is one metric delivered through a Sender.
type Point struct {
	Name      string
	Value     float64
	Timestamp int64
	Source    string
	Tags      map[string]string
}

// Sender is a derive.Sender that records points. When FailOn is n > 0, the
// n-th call returns Err instead of recording.
type Sender struct {
	FailOn int
	Err    error

	mu     sync.Mutex
	calls  int
	points []Point
}

// SendMetric implements derive.Sender.
func (s *Sender) SendMetric(name string, value float64, timestamp int64, source string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.FailOn > 0 && s.calls == s.FailOn {
		return s.Err
	}
	s.points = append(s.points, Point{
		Name:      name,
		Value:     value,
		Timestamp: timestamp,
		Source:    source,
		Tags:      maps.Clone(tags),
	})
	return nil
}

// Calls returns how many times SendMetric was called.
func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Points returns a copy of the recorded points.
func (s *Sender) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.points)
}
