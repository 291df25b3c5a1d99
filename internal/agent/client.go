package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/webrp/webrp/internal/config"
)

// ErrUnauthorized means the server rejected the tunnel token during the
// handshake. Retrying cannot help, so the reconnect loop stops on it.
var ErrUnauthorized = errors.New("agent: connection token rejected")

// reconnectDelay spaces out retries when the server was never reached.
const reconnectDelay = 5 * time.Second

// Client maintains the control channel to the server and executes the
// requests arriving on it against the local origin.
type Client struct {
	cfg    config.Client
	logger zerolog.Logger

	// httpClient issues the local origin requests. No timeout: streamed
	// responses stay open as long as the origin keeps sending.
	httpClient *http.Client
}

// New creates a tunnel client for the given configuration.
func New(cfg config.Client, logger zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{},
	}
}

// Run connects to the server and keeps the tunnel up until ctx is
// cancelled or the token is rejected. A session that reached open
// reconnects immediately; a session that never opened waits first.
func (c *Client) Run(ctx context.Context) error {
	for {
		opened, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("tunnel disconnected")
		}
		if !opened {
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// runSession dials the control endpoint and serves one connection to
// completion. opened reports whether the WebSocket handshake succeeded.
func (c *Client) runSession(ctx context.Context) (opened bool, err error) {
	u := c.connectURL()
	conn, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dial control channel: %w", err)
	}
	// Buffered request frames carry whole bodies inline, so the limit must
	// comfortably exceed the chunked-mode frame size.
	conn.SetReadLimit(64 << 20)

	c.logger.Info().Str("client_id", c.cfg.ClientID).Msg("tunnel connected")

	sess := newSession(c, conn)
	err = sess.serve(ctx)
	return true, err
}

func (c *Client) connectURL() string {
	u := *c.cfg.RemoteURL
	u.Scheme = wsScheme(u.Scheme)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/__connect__"
	q := u.Query()
	q.Set("clientId", c.cfg.ClientID)
	if c.cfg.ConnToken != "" {
		q.Set("token", c.cfg.ConnToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func wsScheme(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "wss"
	default:
		return "ws"
	}
}
