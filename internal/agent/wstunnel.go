package agent

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/webrp/webrp/internal/tunnel"
	"github.com/webrp/webrp/internal/ws"
)

// serveWebSocket handles an upgrade request: dial the local origin with the
// requested subprotocols, dial the server's dedicated tunnel endpoint as
// the inbound leg, and pipe the two. The session's control channel carries
// none of the WebSocket traffic.
func (s *session) serveWebSocket(ctx context.Context, f *tunnel.RequestHeader) {
	dialer := websocket.Dialer{
		Subprotocols: requestedSubprotocols(f.Headers),
	}
	origin, resp, err := dialer.DialContext(ctx, s.wsLocalURL(f.Path), upgradeHeaders(f.Headers))
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.c.logger.Warn().Err(err).Str("request_id", f.RequestID).Msg("local ws dial failed")
		s.sendErrorResponse(ctx, f.RequestID, http.StatusBadGateway, "Bad Gateway")
		return
	}

	serverLeg, resp, err := websocket.DefaultDialer.DialContext(ctx, s.wsTunnelURL(f.RequestID), nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.c.logger.Warn().Err(err).Str("request_id", f.RequestID).Msg("ws tunnel leg dial failed")
		origin.Close()
		s.sendErrorResponse(ctx, f.RequestID, http.StatusBadGateway, "Bad Gateway")
		return
	}

	s.c.logger.Debug().Str("request_id", f.RequestID).Msg("ws tunnel piping")
	ws.Pipe(serverLeg, origin)
}

func (s *session) wsLocalURL(path string) string {
	u := *s.c.cfg.LocalURL
	u.Scheme = wsScheme(u.Scheme)
	return strings.TrimSuffix(u.String(), "/") + path
}

func (s *session) wsTunnelURL(requestID string) string {
	u := *s.c.cfg.RemoteURL
	u.Scheme = wsScheme(u.Scheme)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/__ws__"
	q := u.Query()
	q.Set("clientId", s.c.cfg.ClientID)
	q.Set("requestId", requestID)
	if s.c.cfg.ConnToken != "" {
		q.Set("token", s.c.cfg.ConnToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func requestedSubprotocols(headers []tunnel.HeaderPair) []string {
	for _, kv := range headers {
		if strings.EqualFold(kv[0], "Sec-WebSocket-Protocol") {
			parts := strings.Split(kv[1], ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		}
	}
	return nil
}

// upgradeHeaders keeps application headers (cookies, authorization) on the
// local dial and drops the handshake headers the dialer generates itself.
func upgradeHeaders(headers []tunnel.HeaderPair) http.Header {
	h := http.Header{}
	for _, kv := range headers {
		switch strings.ToLower(kv[0]) {
		case "connection", "upgrade", "host", "accept-encoding",
			"sec-websocket-key", "sec-websocket-version",
			"sec-websocket-protocol", "sec-websocket-extensions":
		default:
			h.Add(kv[0], kv[1])
		}
	}
	return h
}
