package server

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/webrp/webrp/internal/tunnel"
)

// result is what a request task resolves with: an HTTP response (header
// plus optional body stream) or, for WebSocket tunnels, the upstream leg
// the client dialled back to us.
type result struct {
	header   *tunnel.ResponseHeader
	body     io.ReadCloser
	upstream *websocket.Conn
}

// task is the one-shot rendezvous between the dispatcher waiting on a
// request and the assembler (or disconnect handler) resolving it. The
// capacity-1 channel makes resolution non-blocking and first-wins.
type task struct {
	ch chan result
}

// taskMap holds the in-flight request tasks keyed by request id. The lock
// covers lookup, insert, and remove only; nothing does I/O under it.
type taskMap struct {
	mu sync.Mutex
	m  map[string]*task
}

func (tm *taskMap) create(id string) *task {
	t := &task{ch: make(chan result, 1)}
	tm.mu.Lock()
	tm.m[id] = t
	tm.mu.Unlock()
	return t
}

func (tm *taskMap) get(id string) (*task, bool) {
	tm.mu.Lock()
	t, ok := tm.m[id]
	tm.mu.Unlock()
	return t, ok
}

// resolve delivers a result to the waiting dispatcher. Reports false when
// the task is gone (timed out, aborted) or already resolved; the caller
// drops the frame in that case.
func (tm *taskMap) resolve(id string, res result) bool {
	t, ok := tm.get(id)
	if !ok {
		return false
	}
	select {
	case t.ch <- res:
		return true
	default:
		return false
	}
}

func (tm *taskMap) remove(id string) {
	tm.mu.Lock()
	delete(tm.m, id)
	tm.mu.Unlock()
}

func (tm *taskMap) len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.m)
}

// writerMap holds the response body writers for requests whose body is
// still streaming.
type writerMap struct {
	mu sync.Mutex
	m  map[string]*tunnel.BodyStream
}

func (wm *writerMap) put(id string, bs *tunnel.BodyStream) {
	wm.mu.Lock()
	wm.m[id] = bs
	wm.mu.Unlock()
}

func (wm *writerMap) get(id string) (*tunnel.BodyStream, bool) {
	wm.mu.Lock()
	bs, ok := wm.m[id]
	wm.mu.Unlock()
	return bs, ok
}

// take removes and returns the writer for id, if any.
func (wm *writerMap) take(id string) (*tunnel.BodyStream, bool) {
	wm.mu.Lock()
	bs, ok := wm.m[id]
	if ok {
		delete(wm.m, id)
	}
	wm.mu.Unlock()
	return bs, ok
}

func (wm *writerMap) len() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.m)
}
