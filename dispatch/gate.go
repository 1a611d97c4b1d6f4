// Package dispatch guards listener callbacks against their stop function.
package dispatch

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Gate admits callbacks one at a time until it is closed. Once Close returns,
// Enter never succeeds again and no callback is still running, except when
// Close is called from inside the running callback itself.
type Gate struct {
	mu      sync.Mutex
	closed  bool
	running atomic.Uint64 // goroutine inside the callback, 0 when idle
}

// Enter reports whether a callback may run. On true the caller must call
// Leave once the callback returns.
func (g *Gate) Enter() bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.running.Store(goroutineID())
	return true
}

// Leave ends a callback admitted by Enter.
func (g *Gate) Leave() {
	g.running.Store(0)
	g.mu.Unlock()
}

// Close stops the gate. It blocks while a callback runs on another goroutine.
func (g *Gate) Close() {
	if id := g.running.Load(); id != 0 && id == goroutineID() {
		// Called from the callback, which already holds mu.
		g.closed = true
		return
	}
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header,
// "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
