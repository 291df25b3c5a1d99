package server

import (
	"net/http"

	"nhooyr.io/websocket"

	"github.com/webrp/webrp/internal/tunnel"
)

// handleConnect is the control endpoint: a tunnel client upgrades here and
// the connection becomes its control channel until either side drops it.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}
	if s.cfg.ConnToken != "" && r.URL.Query().Get("token") != s.cfg.ConnToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("control upgrade failed")
		return
	}
	conn.SetReadLimit(1 << 20)

	client := s.registry.Connect(clientID, conn)
	s.metrics.clientsConnected.Set(float64(s.registry.Len()))
	s.logger.Info().Str("client_id", clientID).Str("conn_id", client.ConnID).Msg("client connected")

	s.readLoop(r, client)
	s.disconnect(client)
}

// readLoop pumps the control channel until it fails. Frames are processed
// in arrival order on this one goroutine, so body writes never reorder.
func (s *Server) readLoop(r *http.Request, client *tunnel.Client) {
	ctx := r.Context()
	for {
		typ, data, err := client.Receive(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			// Only "ping" means anything; unknown text is ignored.
			if string(data) == tunnel.TextPing {
				if err := client.WriteText(ctx, tunnel.TextPong); err != nil {
					return
				}
			}
		case websocket.MessageBinary:
			s.handleFrame(client, data)
		}
	}
}

// disconnect runs when a control channel closes: every request still
// waiting on this client fails with a synthetic 500 so its caller does not
// hang, every streaming response writer closes so truncation surfaces
// immediately, and the slot is tombstoned for the reconnect.
func (s *Server) disconnect(client *tunnel.Client) {
	pending, active := client.DrainInFlight()
	for _, id := range pending {
		s.tasks.resolve(id, result{header: &tunnel.ResponseHeader{
			Type:       tunnel.FrameTypeHeader,
			RequestID:  id,
			Status:     http.StatusInternalServerError,
			StatusText: "Internal Server Error",
			EOF:        true,
		}})
	}
	for _, id := range active {
		if bs, ok := s.writers.take(id); ok {
			bs.Cancel()
		}
	}

	current := s.registry.Disconnect(client)
	client.Close()
	s.metrics.clientsConnected.Set(float64(s.registry.Len()))
	s.logger.Info().
		Str("client_id", client.ID).
		Str("conn_id", client.ConnID).
		Bool("slot_tombstoned", current).
		Int("failed_pending", len(pending)).
		Int("closed_active", len(active)).
		Msg("client disconnected")
}
