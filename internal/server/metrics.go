package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	clientsConnected prometheus.Gauge
	requestsInFlight prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	framesDropped    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webrp_clients_connected",
			Help: "Number of tunnel clients currently connected.",
		}),
		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webrp_requests_in_flight",
			Help: "Public requests currently being proxied.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webrp_requests_total",
			Help: "Public requests proxied, by final status code.",
		}, []string{"code"}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "webrp_frames_dropped_total",
			Help: "Control-channel frames dropped as malformed or unmatched.",
		}),
	}
}
