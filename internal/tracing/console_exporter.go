package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes finished spans as JSON lines, for development
type ConsoleExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// consoleSpan is the line format written for each span
type consoleSpan struct {
	TraceID    string                   `json:"trace_id"`
	SpanID     string                   `json:"span_id"`
	ParentID   string                   `json:"parent_id,omitempty"`
	Name       string                   `json:"name"`
	Start      time.Time                `json:"start_time"`
	DurationMs float64                  `json:"duration_ms"`
	Status     string                   `json:"status"`
	Message    string                   `json:"status_message,omitempty"`
	Attributes map[string]interface{}   `json:"attributes,omitempty"`
	Events     []map[string]interface{} `json:"events,omitempty"`
}

// NewConsoleExporter creates a console exporter writing to w
func NewConsoleExporter(w io.Writer) *ConsoleExporter {
	return &ConsoleExporter{enc: json.NewEncoder(w)}
}

// ExportSpans exports spans to the writer
func (ce *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	for _, span := range spans {
		line := consoleSpan{
			TraceID:    span.SpanContext().TraceID().String(),
			SpanID:     span.SpanContext().SpanID().String(),
			Name:       span.Name(),
			Start:      span.StartTime(),
			DurationMs: float64(span.EndTime().Sub(span.StartTime())) / float64(time.Millisecond),
			Status:     span.Status().Code.String(),
			Message:    span.Status().Description,
			Attributes: attributesToMap(span.Attributes()),
			Events:     eventsToMaps(span.Events()),
		}
		if span.Parent().IsValid() {
			line.ParentID = span.Parent().SpanID().String()
		}

		if err := ce.enc.Encode(line); err != nil {
			return fmt.Errorf("failed to write span %s: %w", span.Name(), err)
		}
	}
	return nil
}

// Shutdown shuts down the exporter
func (ce *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}

// attributesToMap converts span attributes to a map
func attributesToMap(attrs []attribute.KeyValue) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	result := make(map[string]interface{}, len(attrs))
	for _, attr := range attrs {
		result[string(attr.Key)] = attr.Value.AsInterface()
	}
	return result
}

// eventsToMaps converts span events to a slice of maps
func eventsToMaps(events []trace.Event) []map[string]interface{} {
	if len(events) == 0 {
		return nil
	}
	result := make([]map[string]interface{}, len(events))
	for i, event := range events {
		result[i] = map[string]interface{}{
			"name":       event.Name,
			"time":       event.Time,
			"attributes": attributesToMap(event.Attributes),
		}
	}
	return result
}
