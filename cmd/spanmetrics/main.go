// Span metrics bridge
// Derives RED metrics and component heartbeats from OpenTelemetry trace data
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/spanmetrics/pkg/config"
	"github.com/andrewh/spanmetrics/pkg/heartbeat"
	"github.com/andrewh/spanmetrics/pkg/ingest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "spanmetrics",
		Short:        "Derive RED metrics and heartbeats from trace spans",
		SilenceUsage: true,
	}

	root.AddCommand(deriveCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	return root
}

func deriveCmd() *cobra.Command {
	var (
		configPath string
		format     string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "derive <file | ->",
		Short: "Derive metrics from a trace file and flush heartbeats once",
		Long: "Reads trace spans (stdouttrace or OTLP JSON), reports derived metrics to the\n" +
			"configured exporter and sends one heartbeat per discovered component.\n" +
			"Use - to read from stdin. A JSON summary is written to stderr.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing trace file\n\nUsage: spanmetrics derive <file | ->")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDerive(cmd, args[0], runOptions{
				configPath: configPath,
				format:     format,
				verbose:    verbose,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, stdouttrace, or otlp")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		duration   time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve [file]",
		Short: "Stream stdouttrace spans and send heartbeats on a schedule",
		Long: "Reads line-delimited stdouttrace spans from a file or stdin as they arrive,\n" +
			"reporting derived metrics while heartbeats are flushed on the configured interval.\n" +
			"Stops at end of input, or after --duration when set, or on SIGINT/SIGTERM,\n" +
			"and flushes pending heartbeats before exiting.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "-"
			if len(args) == 1 {
				input = args[0]
			}
			return runServe(cmd, input, runOptions{
				configPath: configPath,
				duration:   duration,
				verbose:    verbose,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().DurationVar(&duration, "duration", 0, "keep running this long, e.g. 10m (default stops at end of input)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Parse and validate a configuration file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing configuration file\n\nUsage: spanmetrics validate <config.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := config.ValidateConfig(cfg); err != nil {
				return err
			}
			keyLabel := "custom tag keys"
			if len(cfg.CustomTagKeys) == 1 {
				keyLabel = "custom tag key"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: component %q, %d %s, "+
				"heartbeat every %s via %s sender, metrics to %s\n",
				cfg.Component, len(cfg.CustomTagKeys), keyLabel,
				cfg.Heartbeat.Interval, cfg.Sender.Type, cfg.Metrics.Exporter)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "spanmetrics %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

type runOptions struct {
	configPath string
	format     string
	duration   time.Duration
	verbose    bool
}

// summary is written to stderr when a run finishes.
type summary struct {
	Spans  int64 `json:"spans"`
	Errors int64 `json:"errors"`
	heartbeat.Stats
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openInput opens path for reading, with - meaning stdin.
func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // user-supplied file path is expected
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func runDerive(cmd *cobra.Command, input string, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.verbose)
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

	r, closeInput, err := openInput(cmd, input)
	if err != nil {
		return err
	}
	defer closeInput()

	spans, err := ingest.ParseSpans(r, ingest.Format(opts.format))
	if err != nil {
		if errors.Is(err, ingest.ErrNoSpans) {
			return fmt.Errorf("%w\n\nProvide a file or pipe stdin:\n  spanmetrics derive traces.json\n  cat traces.json | spanmetrics derive -", err)
		}
		return err
	}

	ctx := cmd.Context()
	p, err := newPipeline(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sched, err := p.scheduler(cfg, logger)
	if err != nil {
		return errors.Join(err, p.shutdown(ctx))
	}

	for _, s := range spans {
		p.process(s)
	}
	logger.Debug("spans reported",
		zap.Int("spans", len(spans)),
		zap.Int("discovered", p.discovered.Len()))

	flushErr := sched.Flush(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := p.shutdown(shutdownCtx)

	if err := json.NewEncoder(cmd.ErrOrStderr()).Encode(p.summary(sched)); err != nil {
		return err
	}
	return errors.Join(flushErr, shutdownErr)
}

func runServe(cmd *cobra.Command, input string, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.verbose)
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

	r, closeInput, err := openInput(cmd, input)
	if err != nil {
		return err
	}
	defer closeInput()

	// Handle OS signals for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	p, err := newPipeline(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sched, err := p.scheduler(cfg, logger)
	if err != nil {
		return errors.Join(err, p.shutdown(context.Background()))
	}

	sched.Start()
	logger.Info("serving",
		zap.Duration("interval", cfg.Heartbeat.Interval),
		zap.String("sender", cfg.Sender.Type),
		zap.String("exporter", cfg.Metrics.Exporter))

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- ingest.StreamStdouttrace(r, func(s ingest.Span) error {
			p.process(s)
			return nil
		})
	}()

	var streamErr error
	select {
	case streamErr = <-streamDone:
		if streamErr == nil && opts.duration > 0 {
			<-ctx.Done()
		}
	case <-ctx.Done():
	}
	logger.Info("stopping", zap.Int("pending", p.discovered.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	flushErr := sched.Stop(shutdownCtx)
	shutdownErr := p.shutdown(shutdownCtx)

	if err := json.NewEncoder(cmd.ErrOrStderr()).Encode(p.summary(sched)); err != nil {
		return err
	}
	return errors.Join(streamErr, flushErr, shutdownErr)
}
