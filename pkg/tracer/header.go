package tracer

import (
	"fmt"
	"regexp"
	"strconv"
)

// TraceContext is the identity carried by the context header.
type TraceContext struct {
	TraceID string
	SpanID  string
	// Options is meaningful only when OptionsSet; bit 0 means sampled.
	Options    int
	OptionsSet bool
}

// Sampled reports whether the remote side asked for this request to be traced.
// Absent options leave the decision to the local policy.
func (tc TraceContext) Sampled() bool {
	return !tc.OptionsSet || tc.Options&1 == 1
}

var contextHeaderRe = regexp.MustCompile(`^([0-9a-fA-F]+)/([0-9]+)(?:;o=([0-9]+))?`)

// ParseContextHeader parses "<traceId>/<spanId>[;o=<options>]". Content after a
// valid prefix is ignored.
func ParseContextHeader(s string) (TraceContext, bool) {
	m := contextHeaderRe.FindStringSubmatch(s)
	if m == nil {
		return TraceContext{}, false
	}
	tc := TraceContext{TraceID: m[1], SpanID: m[2]}
	if m[3] != "" {
		o, err := strconv.Atoi(m[3])
		if err == nil {
			tc.Options = o
			tc.OptionsSet = true
		}
	}
	return tc, true
}

// GenerateContextHeader is the inverse of ParseContextHeader.
func GenerateContextHeader(tc TraceContext) string {
	if tc.OptionsSet {
		return fmt.Sprintf("%s/%s;o=%d", tc.TraceID, tc.SpanID, tc.Options)
	}
	return fmt.Sprintf("%s/%s", tc.TraceID, tc.SpanID)
}
