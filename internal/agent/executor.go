package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/webrp/webrp/internal/tunnel"
)

// startRequest sets up the per-request state inline — body frames for this
// id may arrive right behind the header — then executes the request in its
// own goroutine so the read loop keeps flowing.
func (s *session) startRequest(ctx context.Context, f *tunnel.RequestHeader) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.trackRequest(f.RequestID, cancel)

	if f.Method == http.MethodGet && isUpgradeRequest(f.Headers) {
		go func() {
			defer cancel()
			defer s.untrackRequest(f.RequestID)
			s.serveWebSocket(reqCtx, f)
		}()
		return
	}

	var body io.Reader
	if !f.EOF {
		bs := tunnel.NewBodyStream()
		s.addBody(f.RequestID, bs)
		body = bs.Reader()
	}

	go func() {
		defer cancel()
		defer s.untrackRequest(f.RequestID)
		s.execute(reqCtx, f.RequestID, f.Method, f.Path, f.Headers, body)
	}()
}

// handleBufferedRequest executes a single-frame request with its body
// inline.
func (s *session) handleBufferedRequest(ctx context.Context, f *tunnel.BufferedRequest) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.trackRequest(f.RequestID, cancel)
	defer cancel()
	defer s.untrackRequest(f.RequestID)

	var body io.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	}
	s.execute(reqCtx, f.RequestID, f.Method, f.Path, f.Headers, body)
}

// execute issues the local origin request and streams the response back as
// frames. Local failures surface to the public caller as 502.
func (s *session) execute(ctx context.Context, id, method, path string, headers []tunnel.HeaderPair, body io.Reader) {
	req, err := http.NewRequestWithContext(ctx, method, s.localURL(path), body)
	if err != nil {
		s.sendErrorResponse(ctx, id, http.StatusBadGateway, "Bad Gateway")
		return
	}
	applyRequestHeaders(req, headers)

	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted by the server or the session died; nobody is
			// listening for a response.
			return
		}
		s.c.logger.Warn().Err(err).Str("request_id", id).Msg("local origin unreachable")
		s.sendErrorResponse(ctx, id, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer resp.Body.Close()

	s.streamResponse(ctx, id, resp)
}

// streamResponse relays status, headers, and body. The first body read is
// probed before the header frame goes out so a bodyless response collapses
// to a single frame with eof set.
func (s *session) streamResponse(ctx context.Context, id string, resp *http.Response) {
	headers := responseHeaders(resp)

	buf := make([]byte, tunnel.MaxChunkSize)
	n, readErr := resp.Body.Read(buf)
	if n == 0 && readErr != nil {
		s.send(ctx, &tunnel.ResponseHeader{
			Type:       tunnel.FrameTypeHeader,
			RequestID:  id,
			Status:     resp.StatusCode,
			StatusText: statusText(resp),
			Headers:    headers,
			EOF:        true,
		})
		return
	}

	if err := s.send(ctx, &tunnel.ResponseHeader{
		Type:       tunnel.FrameTypeHeader,
		RequestID:  id,
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    headers,
	}); err != nil {
		return
	}

	for {
		if n > 0 {
			if err := s.send(ctx, &tunnel.ResponseBody{
				Type:      tunnel.FrameTypeBody,
				RequestID: id,
				Data:      buf[:n],
			}); err != nil {
				return
			}
		}
		if readErr != nil {
			// Reader errors end the stream as a premature eof; the peer
			// never sees them as anything else.
			s.send(ctx, &tunnel.ResponseBody{
				Type:      tunnel.FrameTypeBody,
				RequestID: id,
				EOF:       true,
			})
			return
		}
		n, readErr = resp.Body.Read(buf)
	}
}

func (s *session) sendErrorResponse(ctx context.Context, id string, status int, statusText string) {
	s.send(ctx, &tunnel.ResponseHeader{
		Type:       tunnel.FrameTypeHeader,
		RequestID:  id,
		Status:     status,
		StatusText: statusText,
		Headers:    []tunnel.HeaderPair{{"Content-Type", "text/plain"}},
		EOF:        true,
	})
}

func (s *session) send(ctx context.Context, frame any) error {
	data, err := tunnel.Encode(frame)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *session) localURL(path string) string {
	base := *s.c.cfg.LocalURL
	return strings.TrimSuffix(base.String(), "/") + path
}

// applyRequestHeaders copies the forwarded headers onto the local request.
// When x-forwarded-host is present the host header is replaced with the
// local origin's (otherwise the local server would see the wrong
// authority); accept-encoding is dropped so the transport negotiates its
// own compression and hands back a decoded body.
func applyRequestHeaders(req *http.Request, headers []tunnel.HeaderPair) {
	hostHeader := ""
	forwardedHost := false
	for _, kv := range headers {
		switch strings.ToLower(kv[0]) {
		case "host":
			hostHeader = kv[1]
		case "accept-encoding", "content-length", "connection":
			// Managed by the transport.
		case "x-forwarded-host":
			forwardedHost = true
			req.Header.Add(kv[0], kv[1])
		default:
			req.Header.Add(kv[0], kv[1])
		}
	}
	if !forwardedHost && hostHeader != "" {
		req.Host = hostHeader
	}
}

// responseHeaders flattens the local response headers, omitting
// content-encoding: bodies are re-transmitted decoded because the tunnel
// applies its own framing.
func responseHeaders(resp *http.Response) []tunnel.HeaderPair {
	headers := make([]tunnel.HeaderPair, 0, len(resp.Header))
	for key, vals := range resp.Header {
		if strings.EqualFold(key, "Content-Encoding") {
			continue
		}
		for _, v := range vals {
			headers = append(headers, tunnel.HeaderPair{key, v})
		}
	}
	return headers
}

func statusText(resp *http.Response) string {
	if _, text, found := strings.Cut(resp.Status, " "); found {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// isUpgradeRequest detects a WebSocket handshake in the forwarded headers.
func isUpgradeRequest(headers []tunnel.HeaderPair) bool {
	upgrade := false
	connection := false
	for _, kv := range headers {
		switch strings.ToLower(kv[0]) {
		case "upgrade":
			upgrade = strings.EqualFold(kv[1], "websocket")
		case "connection":
			connection = strings.Contains(strings.ToLower(kv[1]), "upgrade")
		}
	}
	return upgrade && connection
}
