package tracer

import (
	"encoding/json"
	"sync"
	"time"
)

// Trace is one end-to-end record of a request: the spans sharing a trace id.
// Spans keep creation order.
type Trace struct {
	mu        sync.Mutex
	projectID string
	traceID   string
	spans     []*TraceSpan
}

// NewTrace returns an empty trace. An empty traceID is assigned by the first span.
func NewTrace(traceID string) *Trace {
	return &Trace{traceID: traceID}
}

func (t *Trace) TraceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traceID
}

func (t *Trace) ProjectID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.projectID
}

func (t *Trace) SetProjectID(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projectID = projectID
}

// Spans returns copies of the spans, in creation order.
func (t *Trace) Spans() []TraceSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]TraceSpan, 0, len(t.spans))
	for _, s := range t.spans {
		c := *s
		c.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			c.Labels[k] = v
		}
		ret = append(ret, c)
	}
	return ret
}

func (t *Trace) addSpan(s *TraceSpan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.traceID == "" {
		t.traceID = NewTraceID()
	}
	t.spans = append(t.spans, s)
}

func (t *Trace) setLabel(s *TraceSpan, key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Labels[key] = value
}

func (t *Trace) endSpan(s *TraceSpan, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(s.StartTime) {
		now = s.StartTime
	}
	s.EndTime = now
}

func (t *Trace) spanOpen(s *TraceSpan) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.Open()
}

// CloseOpenSpans ends every span that was never ended explicitly.
func (t *Trace) CloseOpenSpans(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.spans {
		if s.Open() {
			s.EndTime = now
			if now.Before(s.StartTime) {
				s.EndTime = s.StartTime
			}
		}
	}
}

// StampLabels copies labels onto every span of the given kind.
func (t *Trace) StampLabels(kind SpanKind, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.spans {
		if s.Kind != kind {
			continue
		}
		for k, v := range labels {
			s.Labels[k] = v
		}
	}
}

type traceJSON struct {
	ProjectID string       `json:"projectId"`
	TraceID   string       `json:"traceId"`
	Spans     []*TraceSpan `json:"spans"`
}

func (t *Trace) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	spans := t.spans
	if spans == nil {
		spans = []*TraceSpan{}
	}
	return json.Marshal(traceJSON{
		ProjectID: t.projectID,
		TraceID:   t.traceID,
		Spans:     spans,
	})
}

func (t *Trace) UnmarshalJSON(b []byte) error {
	var raw traceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projectID = raw.ProjectID
	t.traceID = raw.TraceID
	t.spans = raw.Spans
	return nil
}

// Batch is the body published to the collection endpoint.
type Batch struct {
	Traces []*Trace `json:"traces"`
}

// EncodeBatch joins already serialized traces into a batch body.
func EncodeBatch(traces [][]byte) []byte {
	raw := make([]json.RawMessage, 0, len(traces))
	for _, tr := range traces {
		raw = append(raw, tr)
	}
	b, _ := json.Marshal(struct {
		Traces []json.RawMessage `json:"traces"`
	}{raw})
	return b
}

func DecodeBatch(b []byte) (*Batch, error) {
	var batch Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}
