package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Render loop
	Ticks      atomic.Uint64
	Selections atomic.Uint64 // Ticks that produced a target

	// Transmission counters
	MessagesAttempted atomic.Uint64
	MessagesSent      atomic.Uint64
	MessagesDropped   atomic.Uint64
	MessagesFailed    atomic.Uint64
	StopMessages      atomic.Uint64
	ForcedStops       atomic.Uint64

	// Link write completions
	WritesCompleted atomic.Uint64
	WriteErrors     atomic.Uint64
	BytesWritten    atomic.Uint64

	// Inference
	InferenceCycles atomic.Uint64
	InferenceErrors atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last inference latency in ms
	WriteLatencyUs     atomic.Uint64 // Last write latency in microseconds

	// State
	LinkConnected   atomic.Uint64 // 0 = down, 1 = up
	DetectionActive atomic.Uint64 // 0 = inactive, 1 = active
	CameraSwitches  atomic.Uint64
	MonitorClients  atomic.Uint64

	// Telemetry
	TelemetryPublished atomic.Uint64
	TelemetryDropped   atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("relay_ticks_total", "Total render ticks", &m.Ticks)
	m.gauge("relay_selections_total", "Ticks that selected a target", &m.Selections)

	// Transmission metrics
	m.gauge("relay_messages_attempted_total", "Total messages that passed the send gate", &m.MessagesAttempted)
	m.gauge("relay_messages_sent_total", "Total messages accepted by the link", &m.MessagesSent)
	m.gauge("relay_messages_dropped_total", "Total messages dropped because a write was in flight", &m.MessagesDropped)
	m.gauge("relay_messages_failed_total", "Total messages that could not be written", &m.MessagesFailed)
	m.gauge("relay_stop_messages_total", "Total stop messages attempted", &m.StopMessages)
	m.gauge("relay_forced_stops_total", "Total stop messages that bypassed the send gate", &m.ForcedStops)

	// Link metrics
	m.gauge("relay_writes_completed_total", "Total link writes that completed", &m.WritesCompleted)
	m.gauge("relay_write_errors_total", "Total link write errors", &m.WriteErrors)
	m.gauge("relay_bytes_written_total", "Total bytes written to the link", &m.BytesWritten)

	// Inference metrics
	m.gauge("relay_inference_cycles_total", "Total inference cycles", &m.InferenceCycles)
	m.gauge("relay_inference_errors_total", "Total inference errors", &m.InferenceErrors)

	// Latency metrics
	m.gauge("relay_inference_latency_ms", "Last inference latency in milliseconds", &m.InferenceLatencyMs)
	m.gauge("relay_write_latency_us", "Last link write latency in microseconds", &m.WriteLatencyUs)

	// State metrics
	m.gauge("relay_link_connected", "Link connected (0=down, 1=up)", &m.LinkConnected)
	m.gauge("relay_detection_active", "Detection active (0=inactive, 1=active)", &m.DetectionActive)
	m.gauge("relay_camera_switches_total", "Total camera switches", &m.CameraSwitches)
	m.gauge("relay_monitor_clients", "Connected monitor stream clients", &m.MonitorClients)

	// Telemetry metrics
	m.gauge("relay_telemetry_published_total", "Total telemetry events queued", &m.TelemetryPublished)
	m.gauge("relay_telemetry_dropped_total", "Total telemetry events dropped", &m.TelemetryDropped)
}

// RecordAttempt counts one throttled send attempt
func (m *Metrics) RecordAttempt(outcome link.Outcome, stop, forced bool) {
	m.MessagesAttempted.Add(1)
	switch outcome {
	case link.Sent:
		m.MessagesSent.Add(1)
	case link.Dropped:
		m.MessagesDropped.Add(1)
	default:
		m.MessagesFailed.Add(1)
	}
	if stop {
		m.StopMessages.Add(1)
	}
	if forced {
		m.ForcedStops.Add(1)
	}
}

// UpdateInferenceLatency records the duration of one inference cycle
func (m *Metrics) UpdateInferenceLatency(duration time.Duration) {
	m.InferenceLatencyMs.Store(uint64(duration.Milliseconds()))
}

// SetDetectionActive updates the detection state gauge
func (m *Metrics) SetDetectionActive(active bool) {
	m.DetectionActive.Store(boolToUint(active))
}

// WriteCompleted implements link.Observer
func (m *Metrics) WriteCompleted(n int, took time.Duration) {
	m.WritesCompleted.Add(1)
	m.BytesWritten.Add(uint64(n))
	m.WriteLatencyUs.Store(uint64(took.Microseconds()))
}

// WriteFailed implements link.Observer
func (m *Metrics) WriteFailed(err error) {
	m.WriteErrors.Add(1)
}

// StateChanged implements link.Observer
func (m *Metrics) StateChanged(connected bool) {
	m.LinkConnected.Store(boolToUint(connected))
}

// Snapshot is a point-in-time copy of the counters for status payloads
type Snapshot struct {
	Ticks              uint64 `json:"ticks"`
	MessagesAttempted  uint64 `json:"messages_attempted"`
	MessagesSent       uint64 `json:"messages_sent"`
	MessagesDropped    uint64 `json:"messages_dropped"`
	MessagesFailed     uint64 `json:"messages_failed"`
	StopMessages       uint64 `json:"stop_messages"`
	ForcedStops        uint64 `json:"forced_stops"`
	WriteErrors        uint64 `json:"write_errors"`
	InferenceCycles    uint64 `json:"inference_cycles"`
	InferenceErrors    uint64 `json:"inference_errors"`
	InferenceLatencyMs uint64 `json:"inference_latency_ms"`
	CameraSwitches     uint64 `json:"camera_switches"`
}

// Snapshot copies the counters
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Ticks:              m.Ticks.Load(),
		MessagesAttempted:  m.MessagesAttempted.Load(),
		MessagesSent:       m.MessagesSent.Load(),
		MessagesDropped:    m.MessagesDropped.Load(),
		MessagesFailed:     m.MessagesFailed.Load(),
		StopMessages:       m.StopMessages.Load(),
		ForcedStops:        m.ForcedStops.Load(),
		WriteErrors:        m.WriteErrors.Load(),
		InferenceCycles:    m.InferenceCycles.Load(),
		InferenceErrors:    m.InferenceErrors.Load(),
		InferenceLatencyMs: m.InferenceLatencyMs.Load(),
		CameraSwitches:     m.CameraSwitches.Load(),
	}
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
