// Package observability exposes Prometheus collectors for the protocol
// client, the reconnection supervisor and the session store.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keyvoxdesk/internal/domain"
)

var connectionStatuses = []domain.ConnectionStatus{
	domain.ConnectionDisconnected,
	domain.ConnectionConnecting,
	domain.ConnectionConnected,
	domain.ConnectionError,
}

// Metrics bundles the collectors on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	Commands          *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	DecodeErrors      prometheus.Counter
	ConnectionStatus  *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	EventsApplied     *prometheus.CounterVec
}

// NewMetrics constructs a registry with the client and session collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyvoxdesk_commands_total",
		Help: "Commands sent to the engine by type and outcome",
	}, []string{"type", "outcome"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keyvoxdesk_command_duration_seconds",
		Help:    "Time from send to settlement per command type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	decodeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyvoxdesk_decode_errors_total",
		Help: "Inbound frames that could not be decoded",
	})

	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keyvoxdesk_connection_status",
		Help: "1 for the current connection status, 0 otherwise",
	}, []string{"status"})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyvoxdesk_reconnect_attempts_total",
		Help: "Reconnect attempts by outcome",
	}, []string{"outcome"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyvoxdesk_events_applied_total",
		Help: "Server events folded into the session model by type",
	}, []string{"type"})

	reg.MustRegister(commands, durations, decodeErrors, status, reconnects, events)

	m := &Metrics{
		registry:          reg,
		Commands:          commands,
		CommandDuration:   durations,
		DecodeErrors:      decodeErrors,
		ConnectionStatus:  status,
		ReconnectAttempts: reconnects,
		EventsApplied:     events,
	}
	m.SetConnectionStatus(domain.ConnectionDisconnected)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCommand(cmdType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if cmdType == "" {
		cmdType = "unknown"
	}
	m.Commands.WithLabelValues(cmdType, outcome).Inc()
	m.CommandDuration.WithLabelValues(cmdType).Observe(elapsed.Seconds())
}

func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// SetConnectionStatus raises the gauge for status and lowers every other one.
func (m *Metrics) SetConnectionStatus(status domain.ConnectionStatus) {
	if m == nil {
		return
	}
	for _, s := range connectionStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.ConnectionStatus.WithLabelValues(string(s)).Set(value)
	}
}

func (m *Metrics) IncReconnectAttempts(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncEventsApplied(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.EventsApplied.WithLabelValues(eventType).Inc()
}
