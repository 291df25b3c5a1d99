package server

import (
	"encoding/json"
	"net/http"
)

// pingResult is the body of the client-facing liveness probe. Clients treat
// ok:false with code 404 as "the server has forgotten me" and reconnect.
type pingResult struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// handlePing reports whether a client id currently holds a live tunnel.
// A redeployed server answers 404 for every client until they reconnect,
// which is exactly the signal the probe exists to carry.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	res := pingResult{OK: true, Code: http.StatusOK}
	if _, ok := s.registry.Get(clientID); !ok {
		res = pingResult{OK: false, Code: http.StatusNotFound, Message: "client not connected"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	json.NewEncoder(w).Encode(res)
}
