package tracer

import (
	"errors"
	"fmt"

	"github.com/zoobzio/clockz"
)

// ErrNotInitialized is raised when spans are created before the agent is configured.
var ErrNotInitialized = errors.New("seetrace: tracer used before initialization")

type SpanType int

const (
	SpanTypeUncorrelated SpanType = iota
	SpanTypeUntraced
	SpanTypeRoot
	SpanTypeChild
)

func (t SpanType) String() string {
	switch t {
	case SpanTypeUncorrelated:
		return "UNCORRELATED"
	case SpanTypeUntraced:
		return "UNTRACED"
	case SpanTypeRoot:
		return "ROOT"
	case SpanTypeChild:
		return "CHILD"
	default:
		return fmt.Sprintf("SpanType(%d)", int(t))
	}
}

// SpanData is the handle instrumentation code holds on to.
type SpanData interface {
	Type() SpanType
	// TraceContext is the header value for downstream calls, empty for phantoms.
	TraceContext() string
	AddLabel(key string, value any)
	EndSpan()
}

// RootContext is what the context store propagates: a *RootSpanData or one of
// the phantom singletons.
type RootContext interface {
	SpanData
	rootContext()
}

// TraceWriter receives a trace once its root span ends.
type TraceWriter interface {
	WriteSpan(trace *Trace)
}

// Options configure span creation. A nil *Options means the agent was never started.
type Options struct {
	StackTraceLimit       int
	MaximumLabelValueSize int
	Clock                 clockz.Clock
	Writer                TraceWriter
}

func (o *Options) clock() clockz.Clock {
	if o.Clock == nil {
		return clockz.RealClock
	}
	return o.Clock
}

func (o *Options) labelValueLimit() int {
	if o.MaximumLabelValueSize <= 0 || o.MaximumLabelValueSize > maxLabelValueSizeCeiling {
		return maxLabelValueSizeCeiling
	}
	return o.MaximumLabelValueSize
}

// mirrors config.MaxLabelValueSizeCeiling
const maxLabelValueSizeCeiling = 16 * 1024

// span is the state shared by root and child spans.
type span struct {
	opts  *Options
	trace *Trace
	data  *TraceSpan
}

func newSpan(opts *Options, trace *Trace, name, parentSpanID string, skip int, kind SpanKind) span {
	if opts == nil {
		panic(ErrNotInitialized)
	}
	if trace == nil {
		trace = NewTrace("")
	}
	if parentSpanID == "" {
		parentSpanID = NoParentSpanID
	}
	data := &TraceSpan{
		Name:         Truncate(name, MaxNameSize),
		SpanID:       NewSpanID(),
		ParentSpanID: parentSpanID,
		Kind:         kind,
		StartTime:    opts.clock().Now(),
		Labels:       make(map[string]string),
	}
	// +1 for the exported constructor
	if st := captureStack(skip+1, opts.StackTraceLimit); st != "" {
		data.Labels[LabelStackTrace] = Truncate(st, maxLabelValueSizeCeiling)
	}
	trace.addSpan(data)
	return span{opts: opts, trace: trace, data: data}
}

func (s *span) AddLabel(key string, value any) {
	s.trace.setLabel(s.data,
		Truncate(key, MaxLabelKeySize),
		Truncate(stringify(value), s.opts.labelValueLimit()))
}

func (s *span) TraceContext() string {
	return GenerateContextHeader(TraceContext{
		TraceID:    s.trace.TraceID(),
		SpanID:     s.data.SpanID,
		Options:    1,
		OptionsSet: true,
	})
}

func (s *span) SpanID() string { return s.data.SpanID }

func (s *span) TraceID() string { return s.trace.TraceID() }

func (s *span) Trace() *Trace { return s.trace }

// Ended reports whether EndSpan was called at least once.
func (s *span) Ended() bool { return !s.trace.spanOpen(s.data) }

func (s *span) end() {
	s.trace.endSpan(s.data, s.opts.clock().Now())
}

// RootSpanData is a real, sampled root span.
type RootSpanData struct {
	span
}

// NewRootSpanData starts the server span of trace. skip hides that many
// frames above the caller from the captured stack.
func NewRootSpanData(opts *Options, trace *Trace, name, parentSpanID string, skip int) *RootSpanData {
	return &RootSpanData{span: newSpan(opts, trace, name, parentSpanID, skip, SpanKindRPCServer)}
}

func (*RootSpanData) Type() SpanType { return SpanTypeRoot }

func (*RootSpanData) rootContext() {}

// EndSpan closes the span and hands the whole trace to the writer. Ending
// twice overwrites the end time and hands the trace off again.
func (s *RootSpanData) EndSpan() {
	s.end()
	if s.opts.Writer != nil {
		s.opts.Writer.WriteSpan(s.trace)
	}
}

// ChildSpanData is a real span nested under a root span.
type ChildSpanData struct {
	span
}

func NewChildSpanData(opts *Options, trace *Trace, name, parentSpanID string, skip int) *ChildSpanData {
	return &ChildSpanData{span: newSpan(opts, trace, name, parentSpanID, skip, SpanKindRPCClient)}
}

func (*ChildSpanData) Type() SpanType { return SpanTypeChild }

// EndSpan closes the span. Ending twice overwrites the end time.
func (s *ChildSpanData) EndSpan() { s.end() }

type phantomSpan struct {
	kind SpanType
}

func (p *phantomSpan) Type() SpanType { return p.kind }

func (*phantomSpan) TraceContext() string { return "" }

func (*phantomSpan) AddLabel(string, any) {}

func (*phantomSpan) EndSpan() {}

func (*phantomSpan) rootContext() {}

// Phantom singletons stand in when no real span exists.
var (
	// UncorrelatedSpan means the ambient context was lost.
	UncorrelatedSpan RootContext = &phantomSpan{kind: SpanTypeUncorrelated}
	// UntracedSpan means tracing was deliberately skipped.
	UntracedSpan RootContext = &phantomSpan{kind: SpanTypeUntraced}
)

// IsReal reports whether s records anything.
func IsReal(s SpanData) bool {
	if s == nil {
		return false
	}
	switch s.Type() {
	case SpanTypeRoot, SpanTypeChild:
		return true
	default:
		return false
	}
}
