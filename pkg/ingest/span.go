// Format-independent span type and parsers for trace exports
// Handles stdouttrace (line-delimited JSON) and OTLP protobuf JSON
package ingest

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/andrewh/spanmetrics/pkg/derive"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Span is a completed span as read from a trace export. Attributes keep the
// order they had in the input.
type Span struct {
	TraceID            string
	SpanID             string
	Name               string
	Scope              string
	StartTime          time.Time
	EndTime            time.Time
	StatusError        bool
	Attributes         []derive.Annotation
	ResourceAttributes []derive.Annotation
}

// Attribute returns the value of the first span attribute named key.
func (s Span) Attribute(key string) (string, bool) {
	return lookup(s.Attributes, key)
}

// ResourceAttribute returns the value of the first resource attribute named key.
func (s Span) ResourceAttribute(key string) (string, bool) {
	return lookup(s.ResourceAttributes, key)
}

func lookup(attrs []derive.Annotation, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Format identifies the input trace format.
type Format string

const (
	FormatAuto        Format = "auto"
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

// ErrNoSpans is returned when the input holds no spans.
var ErrNoSpans = errors.New("no spans found in input")

// maxInputSize is the maximum input size to prevent OOM on large trace exports.
const maxInputSize = 256 * 1024 * 1024 // 256 MB

// maxLineSize bounds a single stdouttrace line.
const maxLineSize = 10 * 1024 * 1024

// ParseSpans reads spans from r in the given format.
// FormatAuto inspects the first JSON object to determine the format.
func ParseSpans(r io.Reader, format Format) ([]Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoSpans
	}

	if format == FormatAuto {
		format, err = detectFormat(data)
		if err != nil {
			return nil, err
		}
	}

	var spans []Span
	switch format {
	case FormatStdouttrace:
		err = StreamStdouttrace(bytes.NewReader(data), func(s Span) error {
			spans = append(spans, s)
			return nil
		})
	case FormatOTLP:
		spans, err = parseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, stdouttrace, otlp", format)
	}
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, ErrNoSpans
	}
	return spans, nil
}

// detectFormat examines the input to determine the format.
// Tries the first line (for line-delimited stdouttrace), then the full data
// (for pretty-printed OTLP JSON).
func detectFormat(data []byte) (Format, error) {
	firstLine, _, hasMore := bytes.Cut(data, []byte{'\n'})
	firstLine = bytes.TrimSpace(firstLine)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(firstLine, &probe); err == nil {
		if _, ok := probe["SpanContext"]; ok {
			return FormatStdouttrace, nil
		}
		if _, ok := probe["resourceSpans"]; ok {
			return FormatOTLP, nil
		}
	}

	if hasMore {
		if err := json.Unmarshal(data, &probe); err == nil {
			if _, ok := probe["resourceSpans"]; ok {
				return FormatOTLP, nil
			}
			if _, ok := probe["SpanContext"]; ok {
				return FormatStdouttrace, nil
			}
		}
	}

	return "", fmt.Errorf("cannot detect format: input has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

// stdouttraceEvent mirrors the Go SDK's stdouttrace JSON output.
type stdouttraceEvent struct {
	Name        string `json:"Name"`
	SpanContext struct {
		TraceID string `json:"TraceID"`
		SpanID  string `json:"SpanID"`
	} `json:"SpanContext"`
	StartTime            time.Time `json:"StartTime"`
	EndTime              time.Time `json:"EndTime"`
	Attributes           []sdkAttr `json:"Attributes"`
	Resource             []sdkAttr `json:"Resource"`
	Status               sdkStatus `json:"Status"`
	InstrumentationScope struct {
		Name string `json:"Name"`
	} `json:"InstrumentationScope"`
}

type sdkAttr struct {
	Key   string `json:"Key"`
	Value struct {
		Type  string `json:"Type"`
		Value any    `json:"Value"`
	} `json:"Value"`
}

type sdkStatus struct {
	Code string `json:"Code"`
}

func sdkAnnotations(attrs []sdkAttr) []derive.Annotation {
	out := make([]derive.Annotation, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, derive.Annotation{Key: a.Key, Value: fmt.Sprint(a.Value.Value)})
	}
	return out
}

// StreamStdouttrace decodes line-delimited stdouttrace spans from r and
// calls fn for each one as soon as its line is read. Blank lines are skipped.
// It stops at the first decode error or error from fn.
func StreamStdouttrace(r io.Reader, fn func(Span) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var evt stdouttraceEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}

		err := fn(Span{
			TraceID:            evt.SpanContext.TraceID,
			SpanID:             evt.SpanContext.SpanID,
			Name:               evt.Name,
			Scope:              evt.InstrumentationScope.Name,
			StartTime:          evt.StartTime,
			EndTime:            evt.EndTime,
			StatusError:        evt.Status.Code == "Error",
			Attributes:         sdkAnnotations(evt.Attributes),
			ResourceAttributes: sdkAnnotations(evt.Resource),
		})
		if err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func parseOTLP(data []byte) ([]Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing OTLP: %w", err)
	}

	var spans []Span
	for _, rs := range req.ResourceSpans {
		resAttrs := otlpAnnotations(rs.Resource.GetAttributes())

		for _, ss := range rs.ScopeSpans {
			scopeName := ss.Scope.GetName()

			for _, span := range ss.Spans {
				spans = append(spans, Span{
					TraceID:            hex.EncodeToString(span.TraceId),
					SpanID:             hex.EncodeToString(span.SpanId),
					Name:               span.Name,
					Scope:              scopeName,
					StartTime:          time.Unix(0, int64(span.StartTimeUnixNano)), //nolint:gosec // nanosecond timestamps are always positive
					EndTime:            time.Unix(0, int64(span.EndTimeUnixNano)),   //nolint:gosec // nanosecond timestamps are always positive
					StatusError:        span.Status != nil && span.Status.Code == tracepb.Status_STATUS_CODE_ERROR,
					Attributes:         otlpAnnotations(span.Attributes),
					ResourceAttributes: resAttrs,
				})
			}
		}
	}
	return spans, nil
}

func otlpAnnotations(attrs []*commonpb.KeyValue) []derive.Annotation {
	out := make([]derive.Annotation, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, derive.Annotation{Key: a.Key, Value: attrValueString(a.Value)})
	}
	return out
}

// attrValueString renders an OTLP AnyValue as a tag value. Arrays, maps and
// bytes fall back to their protobuf text form.
func attrValueString(v *commonpb.AnyValue) string {
	switch x := v.GetValue().(type) {
	case nil:
		return ""
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
