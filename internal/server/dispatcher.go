package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/webrp/webrp/internal/tunnel"
	"github.com/webrp/webrp/internal/ws"
)

// handleProxy is the public entry point: admit, pick a client, forward the
// request over its control channel, and stream the response back.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ip := callerIP(r)

	if !s.authorized(r) {
		s.reject(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	client, ok := s.registry.Pick(ip)
	if !ok {
		s.reject(w, r, http.StatusServiceUnavailable, "No proxy client")
		return
	}

	headers := s.forwardHeaders(r, ip)

	id := s.ids.Next()
	t := s.tasks.create(id)
	client.AddPending(id)
	s.metrics.requestsInFlight.Inc()
	defer func() {
		s.tasks.remove(id)
		// A writer still registered here means the caller went away while
		// the body was streaming; late frames for this id get dropped.
		if bs, ok := s.writers.take(id); ok {
			bs.Cancel()
		}
		client.RemovePending(id)
		s.metrics.requestsInFlight.Dec()
	}()

	ctx := r.Context()
	path := r.URL.RequestURI()

	if s.cfg.BufferRequest {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.reject(w, r, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if err := client.SendBufferedRequest(ctx, id, r.Method, path, headers, body); err != nil {
			s.logger.Warn().Err(err).Str("client_id", client.ID).Str("request_id", id).Msg("send buffered request failed")
		}
	} else {
		hasBody := r.ContentLength != 0
		if err := client.SendRequestHeader(ctx, id, r.Method, path, headers, !hasBody); err != nil {
			s.logger.Warn().Err(err).Str("client_id", client.ID).Str("request_id", id).Msg("send request header failed")
		} else if hasBody {
			// The body pump runs concurrently with waiting for the
			// response, so uploads and downloads interleave freely.
			go s.pumpRequestBody(ctx, client, id, r.Body)
		}
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-t.ch:
		if res.upstream != nil {
			s.serveWebSocket(w, r, client.ID, id, res)
			return
		}
		s.serveResponse(w, r, res)
		s.metrics.requestsTotal.WithLabelValues(strconv.Itoa(res.header.Status)).Inc()
	case <-timer.C:
		s.reject(w, r, http.StatusGatewayTimeout, "Proxy client timeout")
		s.logger.Warn().Str("client_id", client.ID).Str("request_id", id).Msg("proxy timeout")
	case <-ctx.Done():
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client.SendAbort(abortCtx, id)
		cancel()
		s.logger.Debug().Str("client_id", client.ID).Str("request_id", id).Msg("caller aborted")
	}
}

// pumpRequestBody streams the public request body as chunked frames ending
// in a terminal eof. Read errors end the body early; the client sees a
// premature eof rather than an error.
func (s *Server) pumpRequestBody(ctx context.Context, client *tunnel.Client, id string, body io.Reader) {
	buf := make([]byte, tunnel.MaxChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if sendErr := client.SendRequestBody(ctx, id, buf[:n], false); sendErr != nil {
				return
			}
		}
		if err != nil {
			client.SendRequestBody(ctx, id, nil, true)
			return
		}
	}
}

// serveResponse relays a resolved HTTP response to the public caller,
// flushing per chunk so streamed bodies (SSE and friends) flow through.
func (s *Server) serveResponse(w http.ResponseWriter, r *http.Request, res result) {
	h := w.Header()
	for _, kv := range res.header.Headers {
		h.Add(kv[0], kv[1])
	}
	w.WriteHeader(res.header.Status)

	if res.body == nil {
		return
	}
	defer res.body.Close()

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, tunnel.MaxChunkSize)
	for {
		n, err := res.body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// serveWebSocket upgrades the public connection and pipes it to the
// client's inbound tunnel leg.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, clientID, id string, res result) {
	var respHeader http.Header
	if sub := res.upstream.Subprotocol(); sub != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{sub}}
	}
	public, err := ws.Upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", id).Msg("public ws upgrade failed")
		res.upstream.Close()
		return
	}
	s.logger.Debug().Str("client_id", clientID).Str("request_id", id).Msg("ws tunnel established")
	ws.Pipe(public, res.upstream)
}

// authorized checks the public bearer credential. The bypass rule wins even
// when the request carries no token at all.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := r.Header.Get("x-auth-token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == s.cfg.AuthToken {
		return true
	}
	return s.cfg.AuthRule != nil && s.cfg.AuthRule.MatchString(r.URL.Path)
}

// reject writes an error response; HEAD and OPTIONS get no body.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if r.Method != http.MethodHead && r.Method != http.MethodOptions {
		io.WriteString(w, msg)
	}
	s.metrics.requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// forwardHeaders flattens the public request headers for the wire and
// injects the forwarding metadata the local origin expects.
func (s *Server) forwardHeaders(r *http.Request, ip string) []tunnel.HeaderPair {
	headers := make([]tunnel.HeaderPair, 0, len(r.Header)+3)
	for key, vals := range r.Header {
		for _, v := range vals {
			headers = append(headers, tunnel.HeaderPair{key, v})
		}
	}
	if r.Header.Get("X-Forwarded-For") == "" {
		headers = append(headers, tunnel.HeaderPair{"X-Forwarded-For", ip})
	}
	if r.Header.Get("X-Forwarded-Proto") == "" {
		headers = append(headers, tunnel.HeaderPair{"X-Forwarded-Proto", requestScheme(r)})
	}
	if s.cfg.ForwardHost {
		// The client reuses the original authority verbatim.
		headers = append(headers, tunnel.HeaderPair{"Host", r.Host})
	} else if r.Header.Get("X-Forwarded-Host") == "" {
		headers = append(headers, tunnel.HeaderPair{"X-Forwarded-Host", r.Host})
	}
	return headers
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// callerIP resolves the public caller's address, trusting a forwarded-for
// header when an outer proxy set one.
func callerIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
