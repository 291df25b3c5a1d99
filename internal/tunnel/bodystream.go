package tunnel

import (
	"io"
	"sync"
)

// streamDepth bounds how many chunks a BodyStream queues ahead of its
// consumer. Once full, the producer blocks, which pushes back on the
// control-channel read loop for that request instead of buffering without
// bound.
const streamDepth = 64

// BodyStream is the per-request body conduit: a single producer (the frame
// handler for one request id) appends chunks, a single consumer reads them
// as an ordinary io.Reader. Closing gracefully yields EOF after the queued
// chunks drain; cancelling flushes what is queued and cuts the stream off
// from its producer.
type BodyStream struct {
	ch   chan []byte
	done chan struct{}
	pr   *io.PipeReader
	pw   *io.PipeWriter

	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewBodyStream creates a stream and starts its pump.
func NewBodyStream() *BodyStream {
	pr, pw := io.Pipe()
	s := &BodyStream{
		ch:   make(chan []byte, streamDepth),
		done: make(chan struct{}),
		pr:   pr,
		pw:   pw,
	}
	go s.pump()
	return s
}

func (s *BodyStream) pump() {
	defer s.stop()
	defer s.pw.Close()
	for {
		select {
		case chunk, ok := <-s.ch:
			if !ok {
				return
			}
			if _, err := s.pw.Write(chunk); err != nil {
				// Reader side went away; nothing left to deliver to.
				return
			}
		case <-s.done:
			// Cancelled: flush what is already queued, then stop. Chunks
			// the producer never handed over are lost, which is the point.
			for {
				select {
				case chunk, ok := <-s.ch:
					if !ok {
						return
					}
					if _, err := s.pw.Write(chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Write queues one chunk. It blocks while the queue is full and becomes a
// no-op once the stream is cancelled or the reader is gone. Must not be
// called after Close.
func (s *BodyStream) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	select {
	case s.ch <- p:
	case <-s.done:
	}
}

// Close ends the stream gracefully: the consumer sees EOF after draining
// the queued chunks. Safe to call more than once; must come from the same
// producer as Write.
func (s *BodyStream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Cancel tears the stream down from any goroutine. Chunks already queued
// are still flushed, then the consumer sees EOF, so a truncated response
// surfaces rather than hangs.
func (s *BodyStream) Cancel() {
	s.stop()
}

// Reader returns the consumer side. Closing it releases the producer.
func (s *BodyStream) Reader() io.ReadCloser {
	return s.pr
}

func (s *BodyStream) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
