package tracer

import (
	"encoding/json"
	"fmt"
	"time"
)

type SpanKind string

const (
	SpanKindUnspecified SpanKind = "SPAN_KIND_UNSPECIFIED"
	SpanKindRPCServer   SpanKind = "RPC_SERVER"
	SpanKindRPCClient   SpanKind = "RPC_CLIENT"
)

// RFC3339 with millisecond precision, as accepted by the collection service
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// NoParentSpanID marks a span without parent.
const NoParentSpanID = "0"

// TraceSpan is a timed unit of work owned by exactly one Trace.
// Fields are guarded by the owning Trace.
type TraceSpan struct {
	Name         string
	SpanID       string
	ParentSpanID string
	Kind         SpanKind
	StartTime    time.Time
	EndTime      time.Time // zero while the span is open
	Labels       map[string]string
}

type traceSpanJSON struct {
	Name         string            `json:"name"`
	SpanID       string            `json:"spanId"`
	StartTime    string            `json:"startTime"`
	EndTime      string            `json:"endTime"`
	ParentSpanID string            `json:"parentSpanId"`
	Kind         SpanKind          `json:"kind"`
	Labels       map[string]string `json:"labels"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func (s *TraceSpan) MarshalJSON() ([]byte, error) {
	labels := s.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return json.Marshal(traceSpanJSON{
		Name:         s.Name,
		SpanID:       s.SpanID,
		StartTime:    formatTime(s.StartTime),
		EndTime:      formatTime(s.EndTime),
		ParentSpanID: s.ParentSpanID,
		Kind:         s.Kind,
		Labels:       labels,
	})
}

func (s *TraceSpan) UnmarshalJSON(b []byte) error {
	var raw traceSpanJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	start, err := parseTime(raw.StartTime)
	if err != nil {
		return fmt.Errorf("span %s has invalid startTime: %w", raw.SpanID, err)
	}
	end, err := parseTime(raw.EndTime)
	if err != nil {
		return fmt.Errorf("span %s has invalid endTime: %w", raw.SpanID, err)
	}
	*s = TraceSpan{
		Name:         raw.Name,
		SpanID:       raw.SpanID,
		ParentSpanID: raw.ParentSpanID,
		Kind:         raw.Kind,
		StartTime:    start,
		EndTime:      end,
		Labels:       raw.Labels,
	}
	return nil
}

// Open reports whether the span has not been ended yet.
func (s *TraceSpan) Open() bool {
	return s.EndTime.IsZero()
}
