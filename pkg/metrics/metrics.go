// Prometheus metrics for the pump host
//
// Covers the serial link (frames, framing errors, commands, batches,
// link losses), the connection (state, motors) and the last reported
// position of every channel.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poseidon-go-host/pkg/mcu"
	"poseidon-go-host/pkg/protocol"
)

const namespace = "poseidon"

var connectionStates = []mcu.State{
	mcu.StateDisconnected,
	mcu.StateOpening,
	mcu.StateConnected,
	mcu.StateClosing,
}

// PumpMetrics holds every metric of one host. It implements mcu.Recorder
// and mcu.Observer so it can be handed straight to a connection.
type PumpMetrics struct {
	registry *prometheus.Registry

	FramesDecoded  *prometheus.CounterVec
	FramingErrors  prometheus.Counter
	CommandsSent   *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	LinkLosses     prometheus.Counter
	StatusLines    prometheus.Counter
	Connection     *prometheus.GaugeVec
	Sessions       prometheus.Counter
	MotorsEnabled  prometheus.Gauge
	Position       *prometheus.GaugeVec
	Remaining      *prometheus.GaugeVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	PublishDropped prometheus.Counter
}

// New creates the metrics and registers them, together with the Go
// runtime and process collectors, on a private registry.
func New() *PumpMetrics {
	m := &PumpMetrics{
		registry: prometheus.NewRegistry(),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Items decoded from the link, by kind.",
		}, []string{"kind"}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "framing_errors_total",
			Help:      "Malformed frames discarded by the decoder.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "commands_total",
			Help:      "Commands written to the link, by operation.",
		}, []string{"operation"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "batch_duration_seconds",
			Help:      "Time to write and pace one command batch.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
		}),
		LinkLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "lost_total",
			Help:      "Sessions ended by a read or write failure.",
		}),
		StatusLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "status_lines_total",
			Help:      "Status lines forwarded to observers.",
		}),
		Connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "sessions_total",
			Help:      "Successful connects.",
		}),
		MotorsEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "motors_enabled",
			Help:      "1 while the motor drivers are enabled.",
		}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "position_steps",
			Help:      "Last reported absolute position.",
		}, []string{"channel"}),
		Remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "remaining_steps",
			Help:      "Last reported steps remaining in the current run.",
		}, []string{"channel"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "dropped_total",
			Help:      "Events dropped because the publish queue was full.",
		}),
	}

	m.registry.MustRegister(
		m.FramesDecoded, m.FramingErrors, m.CommandsSent, m.BatchDuration,
		m.LinkLosses, m.StatusLines, m.Connection, m.Sessions, m.MotorsEnabled,
		m.Position, m.Remaining, m.HTTPRequests, m.HTTPDuration, m.PublishDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(mcu.StateDisconnected)
	return m
}

// Registry returns the registry holding every metric.
func (m *PumpMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PumpMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest counts one served request.
func (m *PumpMetrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.HTTPDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDropped counts a telemetry event dropped by a full queue.
func (m *PumpMetrics) RecordDropped() {
	m.PublishDropped.Inc()
}

func (m *PumpMetrics) setState(current mcu.State) {
	for _, s := range connectionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.Connection.WithLabelValues(string(s)).Set(v)
	}
}

// mcu.Recorder

func (m *PumpMetrics) FrameDecoded(kind string) { m.FramesDecoded.WithLabelValues(kind).Inc() }
func (m *PumpMetrics) FramingError()            { m.FramingErrors.Inc() }
func (m *PumpMetrics) LinkLost()                { m.LinkLosses.Inc() }

func (m *PumpMetrics) CommandSent(op protocol.Operation) {
	m.CommandsSent.WithLabelValues(string(op)).Inc()
}

func (m *PumpMetrics) BatchSent(n int, d time.Duration) {
	m.BatchDuration.Observe(d.Seconds())
}

// mcu.Observer

func (m *PumpMetrics) ConnectionStateChanged(ev mcu.ConnectionEvent) {
	m.setState(ev.State)
	if ev.State == mcu.StateConnected {
		m.Sessions.Inc()
	}
}

func (m *PumpMetrics) MotorsStateChanged(enabled bool) {
	if enabled {
		m.MotorsEnabled.Set(1)
	} else {
		m.MotorsEnabled.Set(0)
	}
}

func (m *PumpMetrics) PositionUpdated(t protocol.Telemetry) {
	for i, a := range t.Axes {
		ch := strconv.Itoa(i + 1)
		m.Position.WithLabelValues(ch).Set(float64(a.Position))
		m.Remaining.WithLabelValues(ch).Set(float64(a.Remaining))
	}
}

func (m *PumpMetrics) StatusLine(string) { m.StatusLines.Inc() }
