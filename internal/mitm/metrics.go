package mitm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the interception pipeline.
type Metrics struct {
	FramesTotal   *prometheus.CounterVec
	ParseFailures prometheus.Counter
	Verdicts      *prometheus.CounterVec
	Injects       *prometheus.CounterVec
	ActiveFlows   prometheus.Gauge
	InjectRTT     prometheus.Histogram
}

// NewMetrics creates and registers all interception metrics on the default
// registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mitm_frames_total",
				Help: "Frames observed on intercepted connections",
			},
			[]string{"kind", "origin"}, // origin: client, server
		),
		ParseFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mitm_parse_failures_total",
				Help: "Frames that failed wire parsing",
			},
		),
		Verdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mitm_hook_verdicts_total",
				Help: "Hook verdicts by action",
			},
			[]string{"action"}, // pass, modify, drop
		),
		Injects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mitm_injects_total",
				Help: "Injected frames by outcome",
			},
			[]string{"result"}, // ok, build_failed, send_failed, no_flow
		),
		ActiveFlows: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mitm_active_flows",
				Help: "Currently tracked websocket flows",
			},
		),
		InjectRTT: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mitm_inject_roundtrip_seconds",
				Help:    "Latency from inject to matching response",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) frame(kind, origin string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(kind, origin).Inc()
}

func (m *Metrics) parseFailure() {
	if m == nil {
		return
	}
	m.ParseFailures.Inc()
}

func (m *Metrics) verdict(action string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(action).Inc()
}

func (m *Metrics) inject(result string) {
	if m == nil {
		return
	}
	m.Injects.WithLabelValues(result).Inc()
}

func (m *Metrics) injectRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.InjectRTT.Observe(d.Seconds())
}

func (m *Metrics) flows(n int) {
	if m == nil {
		return
	}
	m.ActiveFlows.Set(float64(n))
}
