package ssh

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's runtime ID by
// parsing the header line of a single-goroutine stack trace. Go has no
// supported API for this; it is used here only to implement the
// reentrancy check in §4.6 (Send must refuse calls made from the
// dispatcher's own goroutine), which has no other reliable signal in a
// plain goroutine-per-role design. Never used for scheduling decisions,
// only for the one-shot identity comparison SendCoordinator needs.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if i := bytes.Index(b, []byte(prefix)); i >= 0 {
		b = b[i+len(prefix):]
	}
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
