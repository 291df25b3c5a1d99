package server

import (
	"github.com/webrp/webrp/internal/tunnel"
)

// handleFrame routes one binary control-channel message. Malformed frames
// and unknown types are dropped: benign protocol skew, never fatal.
func (s *Server) handleFrame(client *tunnel.Client, data []byte) {
	frame, err := tunnel.DecodeServerBound(data)
	if err != nil || frame == nil {
		s.metrics.framesDropped.Inc()
		s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("dropping frame")
		return
	}
	switch f := frame.(type) {
	case *tunnel.ResponseHeader:
		s.handleResponseHeader(client, f)
	case *tunnel.ResponseBody:
		s.handleResponseBody(client, f)
	}
}

// handleResponseHeader resolves the waiting request task. A bodyless
// response (eof set) resolves directly; otherwise a body writer is created
// and the task resolves with its reader end, with body frames to follow.
func (s *Server) handleResponseHeader(client *tunnel.Client, f *tunnel.ResponseHeader) {
	if f.EOF {
		if !s.tasks.resolve(f.RequestID, result{header: f}) {
			s.metrics.framesDropped.Inc()
		}
		return
	}

	bs := tunnel.NewBodyStream()
	s.writers.put(f.RequestID, bs)
	client.BeginResponse(f.RequestID)
	if !s.tasks.resolve(f.RequestID, result{header: f, body: bs.Reader()}) {
		// The caller is gone (timeout or abort); late frames for this id
		// will find no writer.
		s.writers.take(f.RequestID)
		bs.Cancel()
		client.EndResponse(f.RequestID)
		s.metrics.framesDropped.Inc()
	}
}

// handleResponseBody feeds a streaming response. The terminal eof frame
// closes the writer and retires the id.
func (s *Server) handleResponseBody(client *tunnel.Client, f *tunnel.ResponseBody) {
	if f.EOF {
		bs, ok := s.writers.take(f.RequestID)
		if !ok {
			s.metrics.framesDropped.Inc()
			return
		}
		if len(f.Data) > 0 {
			bs.Write(f.Data)
		}
		bs.Close()
		client.EndResponse(f.RequestID)
		return
	}

	bs, ok := s.writers.get(f.RequestID)
	if !ok {
		s.metrics.framesDropped.Inc()
		return
	}
	bs.Write(f.Data)
}
