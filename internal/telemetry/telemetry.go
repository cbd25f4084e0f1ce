// Package telemetry records endpoint activity.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Collector captures telemetry events emitted by endpoints and the server.
//
// Hooks run inline with call dispatch, so implementations must be cheap.
type Collector interface {
	ObserveCall(method, outcome string)
	EndpointBound()
	EndpointClosed()
	ListenerAdded(kind string)
	ListenersReleased(kind string, n int)
	ConnectionOpened(transport string)
	ConnectionClosed(transport string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveCall(string, string)    {}
func (noopCollector) EndpointBound()                {}
func (noopCollector) EndpointClosed()               {}
func (noopCollector) ListenerAdded(string)          {}
func (noopCollector) ListenersReleased(string, int) {}
func (noopCollector) ConnectionOpened(string)       {}
func (noopCollector) ConnectionClosed(string)       {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	calls       *prometheus.CounterVec
	endpoints   prometheus.Gauge
	listeners   *prometheus.GaugeVec
	connections *prometheus.GaugeVec
}

// NewPrometheusCollector registers the metrics with reg. Metrics that are
// already registered are reused, so several collectors can share a
// registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	calls, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firelink_endpoint_calls_total",
		Help: "Number of endpoint calls by method and outcome.",
	}, []string{"method", "outcome"}))
	if err != nil {
		return nil, err
	}
	endpoints, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "firelink_endpoints_bound",
		Help: "Number of endpoints currently bound to a pipe.",
	}))
	if err != nil {
		return nil, err
	}
	listeners, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "firelink_listeners_retained",
		Help: "Number of listener handles retained by bound endpoints.",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	connections, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "firelink_connections_open",
		Help: "Number of open peer connections by transport.",
	}, []string{"transport"}))
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		calls:       calls,
		endpoints:   endpoints,
		listeners:   listeners,
		connections: connections,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// ObserveCall counts one endpoint call.
func (p *PrometheusCollector) ObserveCall(method, outcome string) {
	if p == nil {
		return
	}
	p.calls.WithLabelValues(method, outcome).Inc()
}

func (p *PrometheusCollector) EndpointBound() {
	if p == nil {
		return
	}
	p.endpoints.Inc()
}

func (p *PrometheusCollector) EndpointClosed() {
	if p == nil {
		return
	}
	p.endpoints.Dec()
}

func (p *PrometheusCollector) ListenerAdded(kind string) {
	if p == nil {
		return
	}
	p.listeners.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) ListenersReleased(kind string, n int) {
	if p == nil || n == 0 {
		return
	}
	p.listeners.WithLabelValues(kind).Sub(float64(n))
}

func (p *PrometheusCollector) ConnectionOpened(transport string) {
	if p == nil {
		return
	}
	p.connections.WithLabelValues(transport).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(transport string) {
	if p == nil {
		return
	}
	p.connections.WithLabelValues(transport).Dec()
}
