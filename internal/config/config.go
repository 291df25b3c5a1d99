package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	envPort          = "PORT"
	envConnToken     = "CONN_TOKEN"
	envAuthToken     = "AUTH_TOKEN"
	envAuthRule      = "AUTH_RULE"
	envForwardHost   = "FORWARD_HOST"
	envBufferRequest = "BUFFER_REQUEST"
	envLogLevel      = "LOG_LEVEL"

	envClientID     = "CLIENT_ID"
	envRemoteURL    = "REMOTE_URL"
	envLocalURL     = "LOCAL_URL"
	envPingInterval = "PING_INTERVAL"

	defaultPort     = 8080
	defaultLogLevel = "info"

	// DefaultPingInterval is how long the client lets the control channel
	// sit idle before probing it; MinPingInterval is the floor smaller
	// configured values are clamped to.
	DefaultPingInterval = 30 * time.Second
	MinPingInterval     = 5 * time.Second
)

// Server holds the public server's runtime settings.
type Server struct {
	Port int
	// ConnToken authenticates tunnel clients on the upgrade query.
	ConnToken string
	// AuthToken authenticates public traffic; empty disables the check.
	AuthToken string
	// AuthRule exempts matching paths from the AuthToken check.
	AuthRule *regexp.Regexp
	// ForwardHost passes the original host header through verbatim instead
	// of moving it into x-forwarded-host.
	ForwardHost bool
	// BufferRequest sends each request as one inline-body frame instead of
	// streaming it. Disables duplex streaming; for transports that cannot
	// interleave outbound messages cheaply.
	BufferRequest bool
	LogLevel      string
}

// Client holds the tunnel client's runtime settings.
type Client struct {
	ClientID     string
	RemoteURL    *url.URL
	LocalURL     *url.URL
	ConnToken    string
	PingInterval time.Duration
	LogLevel     string
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (Server, error) {
	cfg := Server{
		Port:          defaultPort,
		ConnToken:     strings.TrimSpace(os.Getenv(envConnToken)),
		AuthToken:     strings.TrimSpace(os.Getenv(envAuthToken)),
		ForwardHost:   ParseBool(os.Getenv(envForwardHost)),
		BufferRequest: ParseBool(os.Getenv(envBufferRequest)),
		LogLevel:      getString(envLogLevel, defaultLogLevel),
	}

	if raw := strings.TrimSpace(os.Getenv(envPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Server{}, fmt.Errorf("invalid %s: %q", envPort, raw)
		}
		cfg.Port = port
	}

	if raw := strings.TrimSpace(os.Getenv(envAuthRule)); raw != "" {
		rule, err := ParseAuthRule(raw)
		if err != nil {
			return Server{}, fmt.Errorf("invalid %s: %w", envAuthRule, err)
		}
		cfg.AuthRule = rule
	}

	return cfg, nil
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (Client, error) {
	clientID := strings.TrimSpace(os.Getenv(envClientID))
	if clientID == "" {
		return Client{}, errors.New("CLIENT_ID is required")
	}

	remote, err := requireURL(envRemoteURL)
	if err != nil {
		return Client{}, err
	}
	local, err := requireURL(envLocalURL)
	if err != nil {
		return Client{}, err
	}

	return Client{
		ClientID:     clientID,
		RemoteURL:    remote,
		LocalURL:     local,
		ConnToken:    strings.TrimSpace(os.Getenv(envConnToken)),
		PingInterval: pingInterval(os.Getenv(envPingInterval)),
		LogLevel:     getString(envLogLevel, defaultLogLevel),
	}, nil
}

// ParseBool reports whether a setting is switched on: a case-insensitive
// match against true, on, or 1.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "on", "1":
		return true
	}
	return false
}

// ParseAuthRule compiles an auth-bypass pattern. Both bare Go regexps and
// the /pattern/flags notation are accepted; of the flags only i (ignore
// case) is meaningful.
func ParseAuthRule(raw string) (*regexp.Regexp, error) {
	pattern := raw
	if strings.HasPrefix(raw, "/") {
		if end := strings.LastIndex(raw, "/"); end > 0 {
			pattern = raw[1:end]
			if strings.Contains(raw[end+1:], "i") {
				pattern = "(?i)" + pattern
			}
		}
	}
	return regexp.Compile(pattern)
}

func pingInterval(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPingInterval
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultPingInterval
	}
	d := time.Duration(secs) * time.Second
	if d < MinPingInterval {
		return MinPingInterval
	}
	return d
}

func requireURL(key string) (*url.URL, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%s must be absolute (scheme://host)", key)
	}
	return u, nil
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
