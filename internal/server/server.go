package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/webrp/webrp/internal/config"
	"github.com/webrp/webrp/internal/tunnel"
)

// responseTimeout is how long the dispatcher waits for the first response
// frame before answering 504.
const responseTimeout = 30 * time.Second

// Server is the public-facing tunnel endpoint: it accepts control
// connections from clients and dispatches public HTTP(S)/WebSocket traffic
// to them.
type Server struct {
	cfg      config.Server
	logger   zerolog.Logger
	registry *tunnel.Registry

	ids     tunnel.IDAllocator
	tasks   taskMap
	writers writerMap

	promReg *prometheus.Registry
	metrics *metrics

	// timeout is responseTimeout unless a test shortens it.
	timeout time.Duration
}

// New creates a server for the given configuration.
func New(cfg config.Server, logger zerolog.Logger) *Server {
	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: tunnel.NewRegistry(),
		promReg:  promReg,
		metrics:  newMetrics(promReg),
		timeout:  responseTimeout,
	}
	s.tasks.m = make(map[string]*task)
	s.writers.m = make(map[string]*tunnel.BodyStream)
	return s
}

// Router assembles the HTTP surface: the tunnel endpoints, the metrics
// endpoint, and the catch-all public proxy.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/__connect__", s.handleConnect)
	r.Get("/__ping__", s.handlePing)
	r.Get("/__ws__", s.handleWSTunnel)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	// Everything else is public traffic proxied through a tunnel.
	r.HandleFunc("/*", s.handleProxy)

	return r
}
