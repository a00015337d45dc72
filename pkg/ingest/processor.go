package ingest

import (
	"context"

	"github.com/andrewh/spanmetrics/pkg/derive"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Processor is an sdktrace.SpanProcessor that hands every ended span to a
// callback, so an instrumented process can derive metrics from its own
// traces without exporting them first.
type Processor struct {
	handle func(Span)
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// NewProcessor returns a Processor calling fn for each ended span.
// fn runs on the goroutine that ends the span.
func NewProcessor(fn func(Span)) *Processor {
	return &Processor{handle: fn}
}

func (p *Processor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	var resAttrs []attribute.KeyValue
	if res := s.Resource(); res != nil {
		resAttrs = res.Attributes()
	}
	p.handle(Span{
		TraceID:            s.SpanContext().TraceID().String(),
		SpanID:             s.SpanContext().SpanID().String(),
		Name:               s.Name(),
		Scope:              s.InstrumentationScope().Name,
		StartTime:          s.StartTime(),
		EndTime:            s.EndTime(),
		StatusError:        s.Status().Code == codes.Error,
		Attributes:         kvAnnotations(s.Attributes()),
		ResourceAttributes: kvAnnotations(resAttrs),
	})
}

func (p *Processor) Shutdown(context.Context) error   { return nil }
func (p *Processor) ForceFlush(context.Context) error { return nil }

func kvAnnotations(attrs []attribute.KeyValue) []derive.Annotation {
	out := make([]derive.Annotation, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, derive.Annotation{Key: string(kv.Key), Value: kv.Value.Emit()})
	}
	return out
}
