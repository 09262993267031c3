package tracer

import (
	"fmt"
	"unicode/utf8"
)

// Well-known label keys.
const (
	LabelAgent            = "/agent"
	LabelStackTrace       = "/stacktrace"
	LabelHTTPMethod       = "/http/method"
	LabelHTTPURL          = "/http/url"
	LabelHTTPStatusCode   = "/http/status_code"
	LabelHTTPResponseSize = "/http/response/size"
	LabelHTTPSourceIP     = "/http/source/ip"
	LabelErrorName        = "/error/name"
	LabelErrorMessage     = "/error/message"
	LabelGCEHostname      = "g.co/gce/hostname"
	LabelGCEInstanceID    = "g.co/gce/instanceid"
	LabelGAEModuleName    = "g.co/gae/app/module"
	LabelGAEModuleVersion = "g.co/gae/app/module_version"
	LabelGAEVersion       = "g.co/gae/app/version"
)

// Byte limits of the collection service.
const (
	MaxNameSize     = 127
	MaxLabelKeySize = 127
)

const truncationSuffix = "..."

// Truncate cuts s to at most limit bytes on a rune boundary, marking the cut
// with "..." when there is room for it.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	suffix := truncationSuffix
	if limit < len(suffix) {
		suffix = ""
	}
	cut := limit - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%+v", x)
	}
}
