package metrics

import (
	"net/http"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the engine metrics. A nil *Manager is valid and records nothing.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	decisions         *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	detectorCalls     prometheus.Counter
	extractorCalls    prometheus.Counter
	recognitionErrors prometheus.Counter
	acquisitionErrors prometheus.Counter
	framesDropped     prometheus.Counter
	engineState       *prometheus.GaugeVec
}

// NewManager creates a metrics manager on its own registry unless one is supplied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "facegate",
		histogramBuckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		registry:         prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.decisions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "decisions_total",
		Help:      "Decisions emitted, by label",
	}, []string{"label"})

	m.cycleDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Time spent in one decision cycle",
		Buckets:   m.histogramBuckets,
	})

	m.detectorCalls = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "detector_invocations_total",
		Help:      "Person detector invocations",
	})

	m.extractorCalls = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "extractor_invocations_total",
		Help:      "Embedding extractor invocations",
	})

	m.recognitionErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "recognition_errors_total",
		Help:      "Extractor or detector failures inside a decision cycle",
	})

	m.acquisitionErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "acquisition_errors_total",
		Help:      "Failed or timed out frame reads",
	})

	m.framesDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames discarded, either stale on a live source or finished after a stop",
	})

	m.engineState = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "engine_state",
		Help:      "1 for the current engine state, 0 otherwise",
	}, []string{"state"})
}

func (m *Manager) RecordDecision(label types.DecisionLabel) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(label.Key()).Inc()
}

func (m *Manager) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Manager) DetectorInvoked() {
	if m == nil {
		return
	}
	m.detectorCalls.Inc()
}

func (m *Manager) ExtractorInvoked() {
	if m == nil {
		return
	}
	m.extractorCalls.Inc()
}

func (m *Manager) RecognitionFailed() {
	if m == nil {
		return
	}
	m.recognitionErrors.Inc()
}

func (m *Manager) AcquisitionFailed() {
	if m == nil {
		return
	}
	m.acquisitionErrors.Inc()
}

func (m *Manager) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Manager) SetState(s types.EngineState) {
	if m == nil {
		return
	}
	for _, st := range []types.EngineState{types.Idle, types.ReferenceReady, types.Running, types.Stopped} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.engineState.WithLabelValues(st.String()).Set(v)
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
