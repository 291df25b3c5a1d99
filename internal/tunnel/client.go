package tunnel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// MaxChunkSize is the maximum raw bytes per body frame in either direction.
// Keeps each binary message well under nhooyr's default 32KB read limit
// (msgpack field overhead ~100 bytes + 16KB payload).
const MaxChunkSize = 16 * 1024

// Client is the server-side record of one connected tunnel client: the
// control connection plus the ids of its in-flight requests. The pending
// set holds ids whose response has not begun; the active set holds ids whose
// response body is still streaming. An id is never in both.
type Client struct {
	// ID is the client-chosen identifier, stable across reconnects.
	ID string
	// ConnID distinguishes one control connection from the next one the
	// same client opens, so a stale close never tears down a fresh record.
	ConnID string

	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]struct{}
	active  map[string]struct{}
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:      id,
		ConnID:  uuid.New().String(),
		conn:    conn,
		pending: make(map[string]struct{}),
		active:  make(map[string]struct{}),
	}
}

// Receive reads the next message from the control connection.
func (c *Client) Receive(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.conn.Read(ctx)
}

// WriteText sends a connection-level text message ("ping"/"pong").
func (c *Client) WriteText(ctx context.Context, s string) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(s))
}

// Close shuts the control connection down.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (c *Client) send(ctx context.Context, frame any) error {
	data, err := Encode(frame)
	if err != nil {
		return err
	}
	// nhooyr serialises concurrent writers internally, so request pumps for
	// distinct ids may call this at the same time.
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// SendRequestHeader opens a request on the client. eof reports that no body
// frames will follow.
func (c *Client) SendRequestHeader(ctx context.Context, id, method, path string, headers []HeaderPair, eof bool) error {
	return c.send(ctx, &RequestHeader{
		Type:      FrameTypeHeader,
		RequestID: id,
		Method:    method,
		Path:      path,
		Headers:   headers,
		EOF:       eof,
	})
}

// SendRequestBody streams one request body chunk; a frame with eof set and
// no data terminates the body.
func (c *Client) SendRequestBody(ctx context.Context, id string, data []byte, eof bool) error {
	return c.send(ctx, &RequestBody{
		Type:      FrameTypeBody,
		RequestID: id,
		Data:      data,
		EOF:       eof,
	})
}

// SendBufferedRequest sends a whole request, body inline, as one frame.
func (c *Client) SendBufferedRequest(ctx context.Context, id, method, path string, headers []HeaderPair, body []byte) error {
	return c.send(ctx, &BufferedRequest{
		Type:      FrameTypeRequest,
		RequestID: id,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	})
}

// SendAbort tells the client the public caller cancelled the request.
func (c *Client) SendAbort(ctx context.Context, id string) error {
	return c.send(ctx, &Abort{Type: FrameTypeAbort, RequestID: id})
}

// AddPending records a freshly allocated request id against this client.
func (c *Client) AddPending(id string) {
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
}

// RemovePending drops an id from whichever in-flight set still holds it.
// Called on request completion, timeout, and abort.
func (c *Client) RemovePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.active, id)
	c.mu.Unlock()
}

// BeginResponse moves an id from pending to active when its response body
// starts streaming. The move is atomic, keeping the two sets disjoint.
func (c *Client) BeginResponse(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.active[id] = struct{}{}
	c.mu.Unlock()
}

// EndResponse retires an id once its response body finished streaming.
func (c *Client) EndResponse(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// DrainInFlight empties both in-flight sets and returns what they held, for
// the disconnect handler to fail pending requests and close active writers.
func (c *Client) DrainInFlight() (pending, active []string) {
	c.mu.Lock()
	for id := range c.pending {
		pending = append(pending, id)
	}
	for id := range c.active {
		active = append(active, id)
	}
	c.pending = make(map[string]struct{})
	c.active = make(map[string]struct{})
	c.mu.Unlock()
	return pending, active
}

// InFlight reports the current sizes of the pending and active sets.
func (c *Client) InFlight() (pending, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.active)
}
