package sandbox

import (
	"bytes"
	goruntime "runtime"
)

var goroutinePrefix = []byte("goroutine ")

// goroutineID returns the calling goroutine's ID, or 0 when the stack header
// does not parse. It only serves to detect calls made from the loop itself.
func goroutineID() int64 {
	var buf [64]byte
	n := goruntime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

// parseGoroutineID reads the ID from a "goroutine N [state]:" header.
func parseGoroutineID(header []byte) int64 {
	rest, ok := bytes.CutPrefix(header, goroutinePrefix)
	if !ok {
		return 0
	}
	var id int64
	for _, b := range rest {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
