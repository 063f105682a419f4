// Package metric provides Prometheus metrics collection and monitoring.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be built without metrics in tests and embedded use.
package metric

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
)

// Metrics contains the Prometheus metrics server and registered custom metrics.
type Metrics struct {
	httpServer *http.Server
	config     Config
	logger     *logrus.Entry
	registry   *prometheus.Registry

	webSocketConnections prometheus.Gauge
	webRTCConnections    prometheus.Gauge
	cpuUsage             prometheus.Gauge
	memoryUsage          prometheus.Gauge

	signalingConnected  prometheus.Gauge
	signalingReconnects prometheus.Counter
	messages            *prometheus.CounterVec
	callsStarted        *prometheus.CounterVec
	callsEnded          *prometheus.CounterVec
	callDuration        prometheus.Histogram
	bufferedCandidates  prometheus.Counter
	relayedEvents       *prometheus.CounterVec
}

// New creates a new Metrics instance with the specified configuration. Each
// instance owns its registry, so several can coexist in one process.
func New(config Config, logger *logrus.Entry) *Metrics {
	return &Metrics{
		config:   config,
		logger:   logger.WithField("component", "metric"),
		registry: prometheus.NewRegistry(),
		webSocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections_total",
			Help: "Current number of WebSocket connections served by the relay.",
		}),
		webRTCConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webrtc_connections_total",
			Help: "Current number of WebRTC peer connections.",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percentage",
			Help: "CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Current memory usage in bytes.",
		}),
		signalingConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_connected",
			Help: "1 while the relay connection is up.",
		}),
		signalingReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaling_reconnects_total",
			Help: "Number of reconnection attempts to the relay.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages by direction.",
		}, []string{"direction"}), // Direction: "inbound" or "outbound"
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_started_total",
			Help: "Call sessions created by kind and direction.",
		}, []string{"kind", "direction"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_ended_total",
			Help: "Call sessions ended by reason.",
		}, []string{"reason"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Duration of connected calls.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		bufferedCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ice_candidates_buffered_total",
			Help: "Remote candidates queued before the remote description was set.",
		}),
		relayedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events routed by the relay by event name.",
		}, []string{"event"}),
	}
}

// RegisterMetrics registers custom metrics with the instance registry.
func (m *Metrics) RegisterMetrics() {
	m.registry.MustRegister(
		m.webSocketConnections,
		m.webRTCConnections,
		m.cpuUsage,
		m.memoryUsage,
		m.signalingConnected,
		m.signalingReconnects,
		m.messages,
		m.callsStarted,
		m.callsEnded,
		m.callDuration,
		m.bufferedCandidates,
		m.relayedEvents,
	)
}

// Registry exposes the registry for scraping in-process.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Start initializes and starts the metrics HTTP server.
func (m *Metrics) Start() {
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		m.logger.Infof("Starting metrics server on port %d at path %s", m.config.Port, m.config.Path)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("Error starting metrics server: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (m *Metrics) Stop() error {
	if m.httpServer != nil {
		m.logger.Infof("Stopping metrics server on port %d", m.config.Port)
		return m.httpServer.Close()
	}
	return nil
}

// UpdateSystemMetrics samples CPU and memory usage until ctx is done.
func (m *Metrics) UpdateSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(m.config.SystemInterval)
	defer ticker.Stop()
	for {
		m.SampleSystem()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SampleSystem records one CPU and memory sample.
func (m *Metrics) SampleSystem() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.cpuUsage.Set(percents[0])
	} else if err != nil {
		m.logger.Debugf("cpu sample: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.memoryUsage.Set(float64(vm.Used))
	} else {
		m.logger.Debugf("memory sample: %v", err)
	}
}

// IncrementWebSocketConnections increments the WebSocket connection count.
func (m *Metrics) IncrementWebSocketConnections() {
	if m == nil {
		return
	}
	m.webSocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection count.
func (m *Metrics) DecrementWebSocketConnections() {
	if m == nil {
		return
	}
	m.webSocketConnections.Dec()
}

// IncrementWebRTCConnections increments the WebRTC connection count.
func (m *Metrics) IncrementWebRTCConnections() {
	if m == nil {
		return
	}
	m.webRTCConnections.Inc()
}

// DecrementWebRTCConnections decrements the WebRTC connection count.
func (m *Metrics) DecrementWebRTCConnections() {
	if m == nil {
		return
	}
	m.webRTCConnections.Dec()
}

// SetSignalingConnected records whether the relay connection is up.
func (m *Metrics) SetSignalingConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.signalingConnected.Set(1)
		return
	}
	m.signalingConnected.Set(0)
}

// IncrementReconnects counts a reconnection attempt.
func (m *Metrics) IncrementReconnects() {
	if m == nil {
		return
	}
	m.signalingReconnects.Inc()
}

// IncrementMessages counts a chat message in direction.
func (m *Metrics) IncrementMessages(direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction).Inc()
}

// IncrementCallsStarted counts a new call session.
func (m *Metrics) IncrementCallsStarted(kind, direction string) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(kind, direction).Inc()
}

// ObserveCallEnded counts an ended call and, when it connected, its duration.
func (m *Metrics) ObserveCallEnded(reason string, connected time.Duration) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(reason).Inc()
	if connected > 0 {
		m.callDuration.Observe(connected.Seconds())
	}
}

// IncrementBufferedCandidates counts a queued remote candidate.
func (m *Metrics) IncrementBufferedCandidates() {
	if m == nil {
		return
	}
	m.bufferedCandidates.Inc()
}

// IncrementRelayedEvents counts an event routed by the relay.
func (m *Metrics) IncrementRelayedEvents(event string) {
	if m == nil {
		return
	}
	m.relayedEvents.WithLabelValues(event).Inc()
}
