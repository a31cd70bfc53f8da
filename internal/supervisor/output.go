package supervisor

import (
	"bytes"
	"sync"

	"go.starlark.net/starlark"
)

// truncatedMarker is appended once when print output is cut.
const truncatedMarker = "\n[output truncated]"

// outputBuffer collects print output up to a byte limit. Excess output is
// silently discarded. It may be read by the supervisor while the worker is
// still writing after a timeout.
type outputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{remaining: limit}
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.remaining <= 0 {
		o.truncated = o.truncated || len(p) > 0
		return len(p), nil
	}
	n := len(p)
	if len(p) > o.remaining {
		p = p[:o.remaining]
		o.truncated = true
	}
	o.buf.Write(p)
	o.remaining -= len(p)
	return n, nil
}

// print is the Starlark print handler of one execution.
func (o *outputBuffer) print(_ *starlark.Thread, msg string) {
	_, _ = o.Write([]byte(msg + "\n"))
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return o.buf.String() + truncatedMarker
	}
	return o.buf.String()
}
