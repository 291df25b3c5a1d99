package server

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/webrp/webrp/internal/config"
	"github.com/webrp/webrp/internal/tunnel"
)

func newTestServer(t *testing.T, cfg config.Server) (*Server, *httptest.Server) {
	t.Helper()
	// Disconnect handling outlives individual tests, so logs cannot go
	// through t.Log.
	srv := New(cfg, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

// testClient speaks the tunnel protocol against a test server, standing in
// for a real agent.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTunnel(t *testing.T, ts *httptest.Server, clientID, token string) *testClient {
	t.Helper()
	u := ts.URL + "/__connect__?clientId=" + clientID
	if token != "" {
		u += "&token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	tc := &testClient{t: t, conn: conn}
	t.Cleanup(tc.close)

	// Registration happens after the handshake; wait for the slot so
	// requests sent right away have a client to land on.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/__ping__?clientId=" + clientID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var res pingResult
		return jsonDecode(resp.Body, &res) == nil && res.OK
	}, 2*time.Second, 5*time.Millisecond, "client %s never registered", clientID)
	return tc
}

func (c *testClient) close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// readFrame returns the next decoded binary frame, skipping text messages.
// Returns nil once the connection is gone; responder goroutines outlive
// some tests, so a closed connection is not a failure here.
func (c *testClient) readFrame() any {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frame, err := tunnel.DecodeClientBound(data)
		if err != nil || frame == nil {
			continue
		}
		return frame
	}
}

func (c *testClient) expectRequestHeader() *tunnel.RequestHeader {
	header, _ := c.readFrame().(*tunnel.RequestHeader)
	return header
}

// collectBody drains request body frames for one id until the terminal eof.
func (c *testClient) collectBody() []byte {
	var body []byte
	for {
		chunk, ok := c.readFrame().(*tunnel.RequestBody)
		if !ok {
			return body
		}
		body = append(body, chunk.Data...)
		if chunk.EOF {
			return body
		}
	}
}

func (c *testClient) send(frame any) {
	data, err := tunnel.Encode(frame)
	if err != nil {
		c.t.Errorf("encode frame: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.t.Errorf("tunnel write: %v", err)
	}
}

// respond answers one request with a complete response: a bodyless header
// frame when body is nil, otherwise header + one body frame + terminal eof.
func (c *testClient) respond(id string, status int, headers []tunnel.HeaderPair, body []byte) {
	if body == nil {
		c.send(&tunnel.ResponseHeader{
			Type: tunnel.FrameTypeHeader, RequestID: id,
			Status: status, StatusText: http.StatusText(status),
			Headers: headers, EOF: true,
		})
		return
	}
	c.send(&tunnel.ResponseHeader{
		Type: tunnel.FrameTypeHeader, RequestID: id,
		Status: status, StatusText: http.StatusText(status),
		Headers: headers,
	})
	c.send(&tunnel.ResponseBody{Type: tunnel.FrameTypeBody, RequestID: id, Data: body})
	c.send(&tunnel.ResponseBody{Type: tunnel.FrameTypeBody, RequestID: id, EOF: true})
}

func jsonDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// ipForSlot finds a source IP whose CRC32 lands on the wanted slot among n
// live clients, so routing assertions do not depend on hash luck.
func ipForSlot(t *testing.T, want, n int) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		if int(crc32.ChecksumIEEE([]byte(ip))%uint32(n)) == want {
			return ip
		}
	}
	t.Fatal("no ip found for slot")
	return ""
}

func headerValue(headers []tunnel.HeaderPair, key string) (string, bool) {
	for _, kv := range headers {
		if strings.EqualFold(kv[0], key) {
			return kv[1], true
		}
	}
	return "", false
}

func TestProxyHappyGET(t *testing.T) {
	_, ts := newTestServer(t, config.Server{})
	tc := dialTunnel(t, ts, "edge", "")

	go func() {
		header := tc.expectRequestHeader()
		if header == nil {
			return
		}
		assert.Equal(t, http.MethodGet, header.Method)
		assert.Equal(t, "/x", header.Path)
		assert.True(t, header.EOF)
		tc.respond(header.RequestID, http.StatusOK,
			[]tunnel.HeaderPair{{"Content-Type", "text/plain"}}, []byte("hi"))
	}()

	resp, err := http.Get(ts.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", string(body))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestProxyBodylessResponse(t *testing.T) {
	_, ts := newTestServer(t, config.Server{})
	tc := dialTunnel(t, ts, "edge", "")

	go func() {
		if header := tc.expectRequestHeader(); header != nil {
			tc.respond(header.RequestID, http.StatusNoContent, nil, nil)
		}
	}()

	resp, err := http.Get(ts.URL + "/empty")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)
}

func TestProxyStreamingUpload(t *testing.T) {
	_, ts := newTestServer(t, config.Server{})
	tc := dialTunnel(t, ts, "edge", "")

	type seen struct {
		header *tunnel.RequestHeader
		body   []byte
	}
	seenCh := make(chan seen, 1)
	go func() {
		header := tc.expectRequestHeader()
		if header == nil {
			return
		}
		var body []byte
		if !header.EOF {
			body = tc.collectBody()
		}
		seenCh <- seen{header: header, body: body}
		tc.respond(header.RequestID, http.StatusCreated, nil, nil)
	}()

	// A pipe forces a chunked upload, exercising the streamed body path.
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("AB"))
		pw.Write([]byte("CD"))
		pw.Close()
	}()
	resp, err := http.Post(ts.URL+"/u", "application/octet-stream", pr)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	got := <-seenCh
	assert.Equal(t, http.MethodPost, got.header.Method)
	assert.False(t, got.header.EOF)
	assert.Equal(t, "ABCD", string(got.body))

	xff, ok := headerValue(got.header.Headers, "X-Forwarded-For")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", xff)
	proto, ok := headerValue(got.header.Headers, "X-Forwarded-Proto")
	require.True(t, ok)
	assert.Equal(t, "http", proto)
	_, ok = headerValue(got.header.Headers, "X-Forwarded-Host")
	assert.True(t, ok)
}

func TestProxyNoClient(t *testing.T) {
	_, ts := newTestServer(t, config.Server{})

	resp, err := http.Get(ts.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "No proxy client", string(body))

	resp, err = http.Head(ts.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProxyAuth(t *testing.T) {
	rule, err := config.ParseAuthRule("^/open/")
	require.NoError(t, err)
	_, ts := newTestServer(t, config.Server{AuthToken: "s3cret", AuthRule: rule})

	get := func(path string, set func(*http.Request)) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		if set != nil {
			set(req)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/x", nil)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", string(body))

	resp = get("/x", func(r *http.Request) { r.Header.Set("x-auth-token", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Both credential carriers admit; with no client connected the request
	// then fails 503, proving it got past admission.
	resp = get("/x", func(r *http.Request) { r.Header.Set("x-auth-token", "s3cret") })
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = get("/x", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") })
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The bypass rule wins even with no token at all.
	resp = get("/open/page", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// HEAD and OPTIONS never get an error body.
	req, err := http.NewRequest(http.MethodHead, ts.URL+"/x", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	head, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, head)
}

func TestProxyTimeoutLeavesNoResidue(t *testing.T) {
	srv, ts := newTestServer(t, config.Server{})
	srv.timeout = 200 * time.Millisecond
	tc := dialTunnel(t, ts, "edge", "")

	go tc.expectRequestHeader() // swallow and never respond

	resp, err := http.Get(ts.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "Proxy client timeout", string(body))

	require.Eventually(t, func() bool {
		return srv.tasks.len() == 0 && srv.writers.len() == 0
	}, 2*time.Second, 10*time.Millisecond, "request state not cleaned up")
}

func TestDisconnectMidResponseTruncates(t *testing.T) {
	srv, ts := newTestServer(t, config.Server{})
	tc := dialTunnel(t, ts, "edge", "")

	go func() {
		header := tc.expectRequestHeader()
		if header == nil {
			return
		}
		tc.send(&tunnel.ResponseHeader{
			Type: tunnel.FrameTypeHeader, RequestID: header.RequestID,
			Status: http.StatusOK, StatusText: "OK",
		})
		tc.send(&tunnel.ResponseBody{Type: tunnel.FrameTypeBody, RequestID: header.RequestID, Data: []byte("part")})
		tc.close()
	}()

	resp, err := http.Get(ts.URL + "/big")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "part", string(body))

	require.Eventually(t, func() bool {
		return srv.writers.len() == 0 && srv.tasks.len() == 0
	}, 2*time.Second, 10*time.Millisecond, "writer map not drained")
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	srv, ts := newTestServer(t, config.Server{})
	tc := dialTunnel(t, ts, "edge", "")

	go func() {
		if tc.expectRequestHeader() != nil {
			tc.close()
		}
	}()

	resp, err := http.Get(ts.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	require.Eventually(t, func() bool { return srv.tasks.len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBufferedRequestMode(t *testing.T) {
	_, ts := newTestServer(t, config.Server{BufferRequest: true})
	tc := dialTunnel(t, ts, "edge", "")

	bodyCh := make(chan []byte, 1)
	go func() {
		frame := tc.readFrame()
		req, ok := frame.(*tunnel.BufferedRequest)
		if !ok {
			tc.t.Errorf("expected buffered request, got %T", frame)
			return
		}
		bodyCh <- req.Body
		tc.respond(req.RequestID, http.StatusOK, nil, nil)
	}()

	resp, err := http.Post(ts.URL+"/u", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(<-bodyCh))
}

func TestConnectValidation(t *testing.T) {
	_, ts := newTestServer(t, config.Server{ConnToken: "hush"})

	resp, err := http.Get(ts.URL + "/__connect__")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/__connect__?clientId=edge&token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPingEndpointTracksClientLifecycle(t *testing.T) {
	_, ts := newTestServer(t, config.Server{})

	ping := func() pingResult {
		resp, err := http.Get(ts.URL + "/__ping__?clientId=edge")
		require.NoError(t, err)
		defer resp.Body.Close()
		var res pingResult
		require.NoError(t, jsonDecode(resp.Body, &res))
		return res
	}

	res := ping()
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusNotFound, res.Code)

	tc := dialTunnel(t, ts, "edge", "")
	require.Eventually(t, func() bool { return ping().OK }, 2*time.Second, 10*time.Millisecond)

	tc.close()
	require.Eventually(t, func() bool { return !ping().OK }, 2*time.Second, 10*time.Millisecond)
}

func TestControlChannelAnswersPing(t *testing.T) {
	_, ts := newTestServer(t, config.Server{})
	tc := dialTunnel(t, ts, "edge", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tc.conn.Write(ctx, websocket.MessageText, []byte("ping")))
	// Unknown text must be ignored, not answered and not fatal.
	require.NoError(t, tc.conn.Write(ctx, websocket.MessageText, []byte("hello?")))

	typ, data, err := tc.conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "pong", string(data))
}

func TestStickyRoutingSurvivesReconnect(t *testing.T) {
	srv, ts := newTestServer(t, config.Server{})

	serveWithMarker := func(tc *testClient, marker string) {
		go func() {
			for {
				frame := tc.readFrame()
				header, ok := frame.(*tunnel.RequestHeader)
				if !ok {
					return
				}
				tc.respond(header.RequestID, http.StatusOK,
					[]tunnel.HeaderPair{{"X-Backend", marker}}, nil)
			}
		}()
	}

	// dialTunnel waits out each registration, so slot order is a, b, c.
	a := dialTunnel(t, ts, "a", "")
	b := dialTunnel(t, ts, "b", "")
	c := dialTunnel(t, ts, "c", "")
	serveWithMarker(a, "a")
	serveWithMarker(b, "b")
	serveWithMarker(c, "c")

	// An IP that routes to slot 1 (client b) among three live clients. The
	// server trusts x-forwarded-for, so the test can pin the caller IP.
	ip := ipForSlot(t, 1, 3)

	backend := func() string {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/x", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.Header.Get("X-Backend")
	}

	require.Equal(t, "b", backend())

	b.close()
	require.Eventually(t, func() bool { return srv.registry.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	b2 := dialTunnel(t, ts, "b", "")
	serveWithMarker(b2, "b-again")
	require.Eventually(t, func() bool { return srv.registry.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "b-again", backend())
}
