// Wiring between parsed spans, the metric exporter and the heartbeat sender
// Builds the OTel meter provider and the line-protocol or OTel heartbeat sender
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andrewh/spanmetrics/pkg/config"
	"github.com/andrewh/spanmetrics/pkg/derive"
	"github.com/andrewh/spanmetrics/pkg/derive/otelsink"
	"github.com/andrewh/spanmetrics/pkg/heartbeat"
	"github.com/andrewh/spanmetrics/pkg/ingest"
	"github.com/andrewh/spanmetrics/pkg/lineproto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// pipeline reports every span it is given and remembers the heartbeat keys
// it discovers.
type pipeline struct {
	mapper     *ingest.Mapper
	reporter   *derive.Reporter
	discovered *derive.Discovered
	sink       *otelsink.Sink
	provider   *sdkmetric.MeterProvider
	sender     derive.Sender
	closers    []io.Closer

	spans      atomic.Int64
	errorSpans atomic.Int64
}

func newPipeline(ctx context.Context, cfg *config.Config, out io.Writer) (*pipeline, error) {
	// The exporter and the line sender share out from different goroutines.
	out = &lockedWriter{w: out}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.Component),
		attribute.String("spanmetrics.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Metrics.Exporter != config.ExporterNone {
		exporter, err := createMetricExporter(ctx, cfg.Metrics, out)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	provider := sdkmetric.NewMeterProvider(mpOpts...)

	p := &pipeline{
		mapper: ingest.NewMapper(ingest.Defaults{
			Application: cfg.Defaults.Application,
			Cluster:     cfg.Defaults.Cluster,
			Shard:       cfg.Defaults.Shard,
			Component:   cfg.Defaults.Component,
			Source:      cfg.Defaults.Source,
		}),
		discovered: derive.NewDiscovered(),
		sink:       otelsink.New(provider),
		provider:   provider,
	}
	p.reporter = derive.NewReporter(p.sink, p.discovered, derive.NewTagKeySet(cfg.CustomTagKeys...))

	switch {
	case cfg.Sender.Type == config.SenderOTel:
		p.sender = p.sink
	case cfg.Sender.Address != "":
		tcp := lineproto.NewTCPSender(cfg.Sender.Address)
		p.sender = tcp
		p.closers = append(p.closers, tcp)
	default:
		p.sender = lineproto.NewWriterSender(out)
	}
	return p, nil
}

func (p *pipeline) scheduler(cfg *config.Config, logger *zap.Logger) (*heartbeat.Scheduler, error) {
	return heartbeat.New(heartbeat.Options{
		Component:  cfg.Component,
		Sender:     p.sender,
		Discovered: p.discovered,
		Interval:   cfg.Heartbeat.Interval,
		Attempts:   cfg.Heartbeat.Attempts,
		Logger:     logger,
	})
}

func (p *pipeline) process(s ingest.Span) {
	span := p.mapper.Map(s)
	p.reporter.Report(span)
	p.spans.Add(1)
	if span.IsError {
		p.errorSpans.Add(1)
	}
}

func (p *pipeline) summary(sched *heartbeat.Scheduler) summary {
	return summary{
		Spans:  p.spans.Load(),
		Errors: p.errorSpans.Load(),
		Stats:  sched.Stats(),
	}
}

// shutdown exports pending metrics and closes the heartbeat connection.
func (p *pipeline) shutdown(ctx context.Context) error {
	errs := []error{p.provider.Shutdown(ctx)}
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// deltaTemporality reports counters and histograms as per-interval deltas,
// matching the delta counters the translator increments.
func deltaTemporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

func createMetricExporter(ctx context.Context, cfg config.MetricsConfig, out io.Writer) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case config.ExporterStdout:
		return stdoutmetric.New(
			stdoutmetric.WithWriter(out),
			stdoutmetric.WithTemporalitySelector(deltaTemporality),
		)
	case config.ExporterOTLPGRPC:
		grpcOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithTemporalitySelector(deltaTemporality)}
		if cfg.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	case config.ExporterOTLPHTTP:
		httpOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithTemporalitySelector(deltaTemporality)}
		if cfg.Endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter %q", cfg.Exporter)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
