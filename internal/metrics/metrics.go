package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the capture service
type Metrics struct {
	registry *prometheus.Registry

	// Recording metrics
	RecordingsStarted prometheus.Counter
	RecordingsFailed  prometheus.Counter
	Recording         prometheus.Gauge

	// Trim metrics
	ClipsDelivered   prometheus.Counter
	EmptyClips       prometheus.Counter
	ClipDuration     prometheus.Histogram
	DiscardedSamples prometheus.Counter
	SilenceTrimmed   prometheus.Counter
	DrainedPerTick   prometheus.Histogram
	PendingClips     prometheus.Gauge
	InputLevel       prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "micclip_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "micclip_recordings_failed_total",
			Help: "Total number of recordings whose capture backend failed",
		}),
		Recording: factory.NewGauge(prometheus.GaugeOpts{
			Name: "micclip_recording",
			Help: "1 while a recording is in progress",
		}),

		ClipsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "micclip_clips_delivered_total",
			Help: "Total number of trimmed clips handed to consumers",
		}),
		EmptyClips: factory.NewCounter(prometheus.CounterOpts{
			Name: "micclip_empty_clips_total",
			Help: "Delivered clips that held no audio after trimming",
		}),
		ClipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "micclip_clip_duration_seconds",
			Help:    "Duration of delivered clips after trimming",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14), // 0.25s to ~34 minutes
		}),
		DiscardedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "micclip_discarded_samples_total",
			Help: "Samples dropped by trimming",
		}),
		SilenceTrimmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "micclip_silence_trimmed_clips_total",
			Help: "Clips that went through silence trimming",
		}),
		DrainedPerTick: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "micclip_drained_per_tick",
			Help:    "Clips drained by a single consumer tick",
			Buckets: prometheus.LinearBuckets(0, 1, 5),
		}),
		PendingClips: factory.NewGauge(prometheus.GaugeOpts{
			Name: "micclip_pending_clips",
			Help: "Finished clips waiting to be drained",
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "micclip_input_level",
			Help: "Mean absolute amplitude of the most recent input window",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "micclip_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "micclip_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordStarted marks a recording as started
func (m *Metrics) RecordStarted() {
	m.RecordingsStarted.Inc()
	m.Recording.Set(1)
}

// RecordFailed counts a backend failure and clears the recording gauge
func (m *Metrics) RecordFailed() {
	m.RecordingsFailed.Inc()
	m.Recording.Set(0)
}

// RecordStopped clears the recording gauge
func (m *Metrics) RecordStopped() {
	m.Recording.Set(0)
}

// RecordClip records a delivered clip
func (m *Metrics) RecordClip(durationSeconds float64, discarded int, silenceTrimmed bool) {
	m.ClipsDelivered.Inc()
	if durationSeconds == 0 {
		m.EmptyClips.Inc()
	}
	m.ClipDuration.Observe(durationSeconds)
	if discarded > 0 {
		m.DiscardedSamples.Add(float64(discarded))
	}
	if silenceTrimmed {
		m.SilenceTrimmed.Inc()
	}
}

// RecordDrain records how many clips one tick drained
func (m *Metrics) RecordDrain(n int) {
	m.DrainedPerTick.Observe(float64(n))
}

// SetPending sets the number of undrained clips
func (m *Metrics) SetPending(n int) {
	m.PendingClips.Set(float64(n))
}

// SetLevel sets the live input level
func (m *Metrics) SetLevel(level float32) {
	m.InputLevel.Set(float64(level))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
