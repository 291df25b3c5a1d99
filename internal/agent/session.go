package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/webrp/webrp/internal/tunnel"
)

// pongTimeout bounds how long a liveness check waits for the server's pong.
const pongTimeout = 5 * time.Second

// session is one control connection's worth of client state: the pending
// request-body writers, the cancel handles of in-flight local requests, and
// the liveness bookkeeping. A reconnect builds a fresh session.
type session struct {
	c    *Client
	conn *websocket.Conn

	lastActivity atomic.Int64 // unix nanos of the last received message
	pong         chan struct{}

	mu      sync.Mutex
	bodies  map[string]*tunnel.BodyStream
	cancels map[string]context.CancelFunc
}

func newSession(c *Client, conn *websocket.Conn) *session {
	s := &session{
		c:       c,
		conn:    conn,
		pong:    make(chan struct{}, 1),
		bodies:  make(map[string]*tunnel.BodyStream),
		cancels: make(map[string]context.CancelFunc),
	}
	s.touch()
	return s
}

// serve pumps the control channel until it fails, health-checking it in the
// background. All in-flight work dies with the session context.
func (s *session) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	go s.healthLoop(ctx)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.touch()
		switch typ {
		case websocket.MessageText:
			s.handleText(ctx, string(data))
		case websocket.MessageBinary:
			s.handleFrame(ctx, data)
		}
	}
}

func (s *session) handleText(ctx context.Context, msg string) {
	switch msg {
	case tunnel.TextPing:
		s.conn.Write(ctx, websocket.MessageText, []byte(tunnel.TextPong))
	case tunnel.TextPong:
		select {
		case s.pong <- struct{}{}:
		default:
		}
	}
}

// handleFrame routes one binary message. Request execution runs in its own
// goroutine; body and abort frames mutate session state inline so they keep
// their arrival order relative to the header that opened the request.
func (s *session) handleFrame(ctx context.Context, data []byte) {
	frame, err := tunnel.DecodeClientBound(data)
	if err != nil || frame == nil {
		s.c.logger.Debug().Err(err).Msg("dropping frame")
		return
	}
	switch f := frame.(type) {
	case *tunnel.RequestHeader:
		s.startRequest(ctx, f)
	case *tunnel.RequestBody:
		s.handleRequestBody(f)
	case *tunnel.BufferedRequest:
		go s.handleBufferedRequest(ctx, f)
	case *tunnel.Abort:
		s.handleAbort(f)
	}
}

func (s *session) handleRequestBody(f *tunnel.RequestBody) {
	s.mu.Lock()
	bs, ok := s.bodies[f.RequestID]
	if ok && f.EOF {
		delete(s.bodies, f.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if len(f.Data) > 0 {
		bs.Write(f.Data)
	}
	if f.EOF {
		bs.Close()
	}
}

// handleAbort cancels the in-flight local request, if it is still running.
func (s *session) handleAbort(f *tunnel.Abort) {
	s.mu.Lock()
	cancel := s.cancels[f.RequestID]
	bs := s.bodies[f.RequestID]
	delete(s.cancels, f.RequestID)
	delete(s.bodies, f.RequestID)
	s.mu.Unlock()
	if bs != nil {
		bs.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// healthLoop pings the control channel once it has sat idle for the
// configured interval. A missed pong, or a server that answers the ping
// endpoint with 404 for our client id (it forgot us, typically after a
// redeploy), closes the connection to force a reconnect.
func (s *session) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idle() < s.c.cfg.PingInterval {
				continue
			}
			if !s.checkAlive(ctx) {
				s.c.logger.Warn().Msg("control channel failed health check, reconnecting")
				s.conn.Close(websocket.StatusGoingAway, "health check failed")
				return
			}
		}
	}
}

func (s *session) checkAlive(ctx context.Context) bool {
	// Drop a stale pong from a previous round.
	select {
	case <-s.pong:
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(tunnel.TextPing)); err != nil {
		return false
	}
	timer := time.NewTimer(pongTimeout)
	defer timer.Stop()
	select {
	case <-s.pong:
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
	return s.probeServer(ctx)
}

// probeServer double-checks over plain HTTP that the server still knows
// this client. Every failure mode except an explicit 404 verdict counts as
// OK: an absent or broken ping endpoint must not flap the tunnel.
func (s *session) probeServer(ctx context.Context) bool {
	u := *s.c.cfg.RemoteURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/__ping__"
	u.RawQuery = "clientId=" + s.c.cfg.ClientID

	reqCtx, cancel := context.WithTimeout(ctx, pongTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return true
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()

	var res struct {
		OK   bool `json:"ok"`
		Code int  `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return true
	}
	return res.OK || res.Code != http.StatusNotFound
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// teardown releases whatever the session still holds once the control
// channel is gone. In-flight requests are not replayed after a reconnect.
func (s *session) teardown() {
	s.mu.Lock()
	bodies := s.bodies
	cancels := s.cancels
	s.bodies = make(map[string]*tunnel.BodyStream)
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, bs := range bodies {
		bs.Cancel()
	}
	for _, cancel := range cancels {
		cancel()
	}
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (s *session) trackRequest(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

// untrackRequest retires a finished request. A body writer still registered
// at this point is an upload the origin never drained; cancelling it frees
// the pump.
func (s *session) untrackRequest(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	bs := s.bodies[id]
	delete(s.bodies, id)
	s.mu.Unlock()
	if bs != nil {
		bs.Cancel()
	}
}

func (s *session) addBody(id string, bs *tunnel.BodyStream) {
	s.mu.Lock()
	s.bodies[id] = bs
	s.mu.Unlock()
}
