package crypto

import "runtime"

// Wipe zeroes every given buffer. It is best effort: copies the runtime or
// the caller made elsewhere are not reached.
//
//go:noinline
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
	runtime.KeepAlive(bufs)
}
