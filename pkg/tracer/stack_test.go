package tracer

import (
	"encoding/json"
	"strings"
	"testing"

	r "github.com/stretchr/testify/require"
)

func TestStack_Capture(t *testing.T) {
	opts, _, _ := mockOptions()
	opts.StackTraceLimit = 3
	trace := NewTrace("")
	NewRootSpanData(opts, trace, "op", "", 0)

	label, ok := trace.Spans()[0].Labels[LabelStackTrace]
	r.True(t, ok)

	var st stackTrace
	r.NoError(t, json.Unmarshal([]byte(label), &st))
	r.NotEmpty(t, st.StackFrame)
	r.LessOrEqual(t, len(st.StackFrame), 3)
	r.True(t, strings.HasSuffix(st.StackFrame[0].MethodName, "TestStack_Capture"))
	r.True(t, strings.HasSuffix(st.StackFrame[0].FileName, "stack_test.go"))
	r.Positive(t, st.StackFrame[0].LineNumber)
}

func TestStack_Skip(t *testing.T) {
	opts, _, _ := mockOptions()
	opts.StackTraceLimit = 5
	trace := NewTrace("")
	mockInstrumentedCall(opts, trace)

	var st stackTrace
	r.NoError(t, json.Unmarshal([]byte(trace.Spans()[0].Labels[LabelStackTrace]), &st))
	// the helper frame is hidden
	r.True(t, strings.HasSuffix(st.StackFrame[0].MethodName, "TestStack_Skip"))
}

func TestStack_Disabled(t *testing.T) {
	opts, _, _ := mockOptions()
	opts.StackTraceLimit = 0
	trace := NewTrace("")
	NewRootSpanData(opts, trace, "op", "", 0)

	r.NotContains(t, trace.Spans()[0].Labels, LabelStackTrace)
}

func TestStack_Cached(t *testing.T) {
	opts, _, _ := mockOptions()
	opts.StackTraceLimit = 4
	trace := NewTrace("")
	for i := 0; i < 2; i++ {
		NewChildSpanData(opts, trace, "op", "1", 0)
	}
	spans := trace.Spans()
	r.Equal(t, spans[0].Labels[LabelStackTrace], spans[1].Labels[LabelStackTrace])
}

//mockers

//go:noinline
func mockInstrumentedCall(opts *Options, trace *Trace) {
	NewRootSpanData(opts, trace, "op", "", 1)
}
