// Package metrics exposes Prometheus metrics for commands, frames and the
// session state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jduanen/CritterDetector/internal/model"
)

const namespace = "lidar"

// resultOK labels commands that succeeded.
const resultOK = "ok"

// Metrics records observations from the router and the session.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	frames          prometheus.Counter
	framePoints     prometheus.Histogram
	transitions     *prometheus.CounterVec
	state           *prometheus.GaugeVec
}

// New creates the metrics and registers them on reg. A nil reg gets a fresh
// registry with the process and Go collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}

	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command channel messages handled, by command and result kind.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent handling command channel messages.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"command"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames captured by scans and streams.",
		}),
		framePoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_points",
			Help:      "Points per captured frame.",
			Buckets:   prometheus.LinearBuckets(0, 100, 10),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state.",
		}, []string{"to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.commands, m.commandDuration, m.frames, m.framePoints, m.transitions, m.state)
	m.setState(model.StateUninitialized)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackConnections exports the channel connection counts reported by fn.
func (m *Metrics) TrackConnections(fn func() (commands, data int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connections",
			Help:        "Open WebSocket connections, by channel.",
			ConstLabels: prometheus.Labels{"channel": "command"},
		}, func() float64 {
			c, _ := fn()
			return float64(c)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connections",
			Help:        "Open WebSocket connections, by channel.",
			ConstLabels: prometheus.Labels{"channel": "data"},
		}, func() float64 {
			_, d := fn()
			return float64(d)
		}),
	)
}

// CommandHandled records one handled message.
func (m *Metrics) CommandHandled(name string, kind model.Kind, elapsed time.Duration) {
	if name == "" {
		name = "unknown"
	}
	result := resultOK
	if kind != "" {
		result = string(kind)
	}
	m.commands.WithLabelValues(name, result).Inc()
	m.commandDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// FrameCaptured records one frame.
func (m *Metrics) FrameCaptured(frame model.ScanFrame) {
	m.frames.Inc()
	m.framePoints.Observe(float64(len(frame.Points)))
}

// StateChanged records a session state transition.
func (m *Metrics) StateChanged(from, to model.SessionState) {
	m.transitions.WithLabelValues(string(to)).Inc()
	m.setState(to)
}

func (m *Metrics) setState(current model.SessionState) {
	for _, s := range []model.SessionState{model.StateUninitialized, model.StateReady, model.StateStreaming} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
