// Tests for the spanmetrics CLI commands
package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func spanLine(name, service, status string, durationMs int) string {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Duration(durationMs) * time.Millisecond)
	return `{"Name":"` + name + `","SpanContext":{"TraceID":"aaa","SpanID":"bbb"},` +
		`"StartTime":"` + start.Format(time.RFC3339Nano) + `","EndTime":"` + end.Format(time.RFC3339Nano) + `",` +
		`"Attributes":[{"Key":"application","Value":{"Type":"STRING","Value":"shop"}},` +
		`{"Key":"region","Value":{"Type":"STRING","Value":"eu"}}],` +
		`"Resource":[{"Key":"service.name","Value":{"Type":"STRING","Value":"` + service + `"}}],` +
		`"Status":{"Code":"` + status + `"},"InstrumentationScope":{"Name":"scope"}}`
}

var traceInput = strings.Join([]string{
	spanLine("checkout", "cart", "Unset", 20),
	spanLine("checkout", "cart", "Error", 40),
	spanLine("list", "catalog", "Unset", 5),
}, "\n") + "\n"

const lineConfig = `
component: test-bridge
custom_tag_keys: [region]
defaults:
  source: test-host
metrics:
  exporter: none
`

func decodeSummary(t *testing.T, stderr string) summary {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	var s summary
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &s), stderr)
	return s
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	t.Parallel()

	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"derive", "serve", "validate", "version"})
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	root := rootCmd()
	root.SetArgs([]string{"version"})
	var out bytes.Buffer
	root.SetOut(&out)

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "spanmetrics dev")
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		path := writeTestFile(t, "config.yaml", lineConfig)

		root := rootCmd()
		root.SetArgs([]string{"validate", path})
		var out bytes.Buffer
		root.SetOut(&out)

		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), "Configuration valid")
		assert.Contains(t, out.String(), `component "test-bridge"`)
		assert.Contains(t, out.String(), "1 custom tag key,")
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		path := writeTestFile(t, "config.yaml", "metrics:\n  exporter: carrier-pigeon\n")

		root := rootCmd()
		root.SetArgs([]string{"validate", path})
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "carrier-pigeon")
	})

	t.Run("missing argument", func(t *testing.T) {
		t.Parallel()
		root := rootCmd()
		root.SetArgs([]string{"validate"})
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing configuration file")
	})
}

func TestDeriveCommand(t *testing.T) {
	t.Parallel()

	t.Run("heartbeats to stdout", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", lineConfig)
		tracePath := writeTestFile(t, "traces.json", traceInput)

		root := rootCmd()
		root.SetArgs([]string{"derive", "--config", cfgPath, tracePath})
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		require.NoError(t, root.Execute())

		s := decodeSummary(t, stderr.String())
		assert.Equal(t, int64(3), s.Spans)
		assert.Equal(t, int64(1), s.Errors)
		assert.Equal(t, int64(2), s.Sent)
		assert.Equal(t, int64(1), s.Flushes)

		lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
		require.Len(t, lines, 2)
		for _, line := range lines {
			assert.True(t, strings.HasPrefix(line, `"~component.heartbeat" 1 `), line)
			assert.Contains(t, line, `source="test-host"`)
			assert.Contains(t, line, `"component"="test-bridge"`)
			assert.Contains(t, line, `"application"="shop"`)
			assert.Contains(t, line, `"region"="eu"`)
		}
		assert.Contains(t, stdout.String(), `"service"="cart"`)
		assert.Contains(t, stdout.String(), `"service"="catalog"`)
	})

	t.Run("stdin input", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", lineConfig)

		root := rootCmd()
		root.SetArgs([]string{"derive", "--config", cfgPath, "-"})
		root.SetIn(strings.NewReader(traceInput))
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		require.NoError(t, root.Execute())
		assert.Equal(t, int64(3), decodeSummary(t, stderr.String()).Spans)
	})

	t.Run("stdout metrics exporter", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", "defaults:\n  source: test-host\nsender:\n  type: otel\n")
		tracePath := writeTestFile(t, "traces.json", traceInput)

		root := rootCmd()
		root.SetArgs([]string{"derive", "--config", cfgPath, tracePath})
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		require.NoError(t, root.Execute())
		assert.Contains(t, stdout.String(), "tracing.derived.shop.cart.checkout.invocation")
		assert.Contains(t, stdout.String(), "tracing.derived.shop.catalog.list.duration.micros")
		assert.Contains(t, stdout.String(), "component.heartbeat")
		assert.Equal(t, int64(2), decodeSummary(t, stderr.String()).Sent)
	})

	t.Run("heartbeats over tcp", func(t *testing.T) {
		t.Parallel()
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })

		received := make(chan string, 1)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close() //nolint:errcheck // test listener
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(conn)
			received <- buf.String()
		}()

		cfgPath := writeTestFile(t, "config.yaml", lineConfig+"sender:\n  address: "+ln.Addr().String()+"\n")
		tracePath := writeTestFile(t, "traces.json", traceInput)

		root := rootCmd()
		root.SetArgs([]string{"derive", "--config", cfgPath, tracePath})
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		require.NoError(t, root.Execute())
		assert.Empty(t, stdout.String())

		select {
		case got := <-received:
			assert.Equal(t, 2, strings.Count(got, `"~component.heartbeat"`))
		case <-time.After(5 * time.Second):
			t.Fatal("no heartbeats received")
		}
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", lineConfig)

		root := rootCmd()
		root.SetArgs([]string{"derive", "--config", cfgPath, "-"})
		root.SetIn(strings.NewReader(""))
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no spans found")
		assert.Contains(t, err.Error(), "cat traces.json | spanmetrics derive -")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		root := rootCmd()
		root.SetArgs([]string{"derive", filepath.Join(t.TempDir(), "nope.json")})
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "opening input")
	})
}

func TestServeCommand(t *testing.T) {
	t.Parallel()

	t.Run("flushes at end of input", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", lineConfig)

		root := rootCmd()
		root.SetArgs([]string{"serve", "--config", cfgPath})
		root.SetIn(strings.NewReader(traceInput))
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		require.NoError(t, root.Execute())

		s := decodeSummary(t, stderr.String())
		assert.Equal(t, int64(3), s.Spans)
		assert.Equal(t, int64(2), s.Sent)
		assert.Equal(t, 2, strings.Count(stdout.String(), `"~component.heartbeat"`))
		assert.Contains(t, stderr.String(), `"msg":"serving"`)
	})

	t.Run("runs for duration", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", lineConfig)
		tracePath := writeTestFile(t, "traces.json", traceInput)

		root := rootCmd()
		root.SetArgs([]string{"serve", "--config", cfgPath, "--duration", "200ms", tracePath})
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		start := time.Now()
		require.NoError(t, root.Execute())
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		assert.Equal(t, int64(2), decodeSummary(t, stderr.String()).Sent)
	})

	t.Run("malformed line", func(t *testing.T) {
		t.Parallel()
		cfgPath := writeTestFile(t, "config.yaml", lineConfig)

		root := rootCmd()
		root.SetArgs([]string{"serve", "--config", cfgPath})
		root.SetIn(strings.NewReader(spanLine("a", "svc", "Unset", 1) + "\n{not json\n"))
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 2")
		// The span read before the bad line still gets its heartbeat.
		assert.Equal(t, 1, strings.Count(stdout.String(), `"~component.heartbeat"`))
	})
}
