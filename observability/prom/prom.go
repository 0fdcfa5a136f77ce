// Package prom exports relay metrics to Prometheus.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orbitsh/orbit-relay/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports hub metrics to Prometheus.
type RelayObserver struct {
	connGauge     *prometheus.GaugeVec
	registered    *prometheus.CounterVec
	replaced      *prometheus.CounterVec
	routedTotal   *prometheus.CounterVec
	routeFailures *prometheus.CounterVec
	replayed      prometheus.Histogram
	captured      prometheus.Counter
	dispatchTotal *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		connGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbit_relay_connections",
			Help: "Current websocket connection count by role.",
		}, []string{"role"}),
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_relay_registrations_total",
			Help: "Socket registrations by role.",
		}, []string{"role"}),
		replaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_relay_replacements_total",
			Help: "Sockets evicted by a newer connection with the same identity.",
		}, []string{"role"}),
		routedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_relay_routed_frames_total",
			Help: "Frames routed through the hub by direction.",
		}, []string{"direction"}),
		routeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_relay_route_failures_total",
			Help: "Routing failures by failure code.",
		}, []string{"code"}),
		replayed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orbit_relay_replayed_messages",
			Help:    "Messages replayed to a newly subscribed client.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		captured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_relay_captured_frames_total",
			Help: "Anchor frames captured into the thread message log.",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_relay_multi_dispatch_total",
			Help: "Multi-dispatch aggregates by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.registered,
		o.replaced,
		o.routedTotal,
		o.routeFailures,
		o.replayed,
		o.captured,
		o.dispatchTotal,
	)
	return o
}

func (o *RelayObserver) ConnCount(role observability.Role, n int) {
	o.connGauge.WithLabelValues(string(role)).Set(float64(n))
}

func (o *RelayObserver) Registered(role observability.Role) {
	o.registered.WithLabelValues(string(role)).Inc()
}

func (o *RelayObserver) Replaced(role observability.Role) {
	o.replaced.WithLabelValues(string(role)).Inc()
}

func (o *RelayObserver) Routed(direction observability.RouteDirection) {
	o.routedTotal.WithLabelValues(string(direction)).Inc()
}

func (o *RelayObserver) RouteFailure(code string) {
	o.routeFailures.WithLabelValues(code).Inc()
}

func (o *RelayObserver) Replayed(n int) {
	o.replayed.Observe(float64(n))
}

func (o *RelayObserver) Captured() {
	o.captured.Inc()
}

func (o *RelayObserver) Dispatch(result observability.DispatchResult) {
	o.dispatchTotal.WithLabelValues(string(result)).Inc()
}
