package tracer

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewTraceID returns 32 lowercase hex chars.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSpanID returns a random non-zero 48-bit integer in decimal.
func NewSpanID() string {
	for {
		u := uuid.New()
		// the first six bytes of a v4 uuid carry no version or variant bits
		var b [8]byte
		copy(b[2:], u[:6])
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return strconv.FormatUint(id, 10)
		}
	}
}
