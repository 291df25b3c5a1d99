package server

import (
	"net/http"

	"github.com/webrp/webrp/internal/ws"
)

// handleWSTunnel accepts the client-initiated inbound leg of a WebSocket
// tunnel. The client opened this connection because it saw an upgrade
// request for the given request id; resolving the task hands the leg to the
// dispatcher, which pipes it to the public caller. WebSocket tunnels bypass
// the response-frame path entirely.
func (s *Server) handleWSTunnel(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	requestID := query.Get("requestId")
	clientID := query.Get("clientId")
	if s.cfg.ConnToken != "" && query.Get("token") != s.cfg.ConnToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, ok := s.tasks.get(requestID); !ok {
		http.Error(w, "no matching request", http.StatusNotFound)
		return
	}

	conn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Str("request_id", requestID).Msg("ws tunnel upgrade failed")
		return
	}

	if !s.tasks.resolve(requestID, result{upstream: conn}) {
		// The dispatcher gave up between the lookup and the upgrade.
		conn.Close()
		return
	}
	s.logger.Debug().Str("client_id", clientID).Str("request_id", requestID).Msg("ws tunnel leg attached")
}
