package tracer

import (
	"encoding/json"
	"fmt"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxNumStack = 1024

type stackFrame struct {
	MethodName string `json:"method_name"`
	FileName   string `json:"file_name"`
	LineNumber int    `json:"line_number"`
}

type stackTrace struct {
	StackFrame []stackFrame `json:"stack_frame"`
}

// cache: call-site PCs -> serialized /stacktrace label
var stackLabels, _ = lru.New[string, string](maxNumStack)

// captureStack returns the /stacktrace label for the caller of captureStack's
// caller, after dropping skip more frames. Empty when limit is 0.
func captureStack(skip, limit int) string {
	if limit <= 0 {
		return ""
	}
	pcs := make([]uintptr, limit)
	// 0 = runtime.Callers, 1 = captureStack, 2 = its caller
	n := runtime.Callers(skip+3, pcs)
	if n == 0 {
		return ""
	}
	pcs = pcs[:n]

	key := fmt.Sprint(pcs)
	if label, hit := stackLabels.Get(key); hit {
		return label
	}

	st := stackTrace{StackFrame: make([]stackFrame, 0, n)}
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		st.StackFrame = append(st.StackFrame, stackFrame{
			MethodName: frame.Function,
			FileName:   frame.File,
			LineNumber: frame.Line,
		})
		if !more || len(st.StackFrame) == limit {
			break
		}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return ""
	}
	label := string(b)
	stackLabels.Add(key, label)
	return label
}
