package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the dictation daemon.
// It implements the segmenter's Recorder interface.
type Metrics struct {
	// Capture metrics
	ChunksCaptured prometheus.Counter
	ChunksDropped  prometheus.Counter

	// VAD metrics
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter

	// Segmentation metrics
	UtterancesOpened    prometheus.Counter
	UtterancesDiscarded *prometheus.CounterVec
	SegmentsDispatched  prometheus.Counter
	SegmentDuration     prometheus.Histogram
	SegmentSize         prometheus.Histogram
	DispatchFailures    prometheus.Counter

	// Transcription metrics
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on the given registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_capture_chunks_total",
			Help: "Total number of microphone chunks captured",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_capture_chunks_dropped_total",
			Help: "Total number of microphone chunks dropped due to backpressure",
		}),

		// VAD metrics
		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_vad_windows_processed_total",
			Help: "Total number of VAD windows processed",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_vad_voice_detected_total",
			Help: "Total number of VAD windows with voice detected",
		}),

		// Segmentation metrics
		UtterancesOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_utterances_opened_total",
			Help: "Total number of utterances opened by speech onset",
		}),
		UtterancesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freespeak_utterances_discarded_total",
			Help: "Total number of utterances discarded before dispatch",
		}, []string{"reason"}),
		SegmentsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_segments_dispatched_total",
			Help: "Total number of segments handed to the transcription bridge",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "freespeak_segment_duration_seconds",
			Help:    "Duration of dispatched audio segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "freespeak_segment_size_bytes",
			Help:    "Size of dispatched audio segments in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_dispatch_failures_total",
			Help: "Total number of segments dropped by a failed bridge send",
		}),

		// Transcription metrics
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "freespeak_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "freespeak_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freespeak_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freespeak_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordChunkCaptured increments the captured chunks counter
func (m *Metrics) RecordChunkCaptured() {
	m.ChunksCaptured.Inc()
}

// RecordChunkDropped increments the dropped chunks counter
func (m *Metrics) RecordChunkDropped() {
	m.ChunksDropped.Inc()
}

// RecordVADWindow increments VAD windows processed and optionally voice detected
func (m *Metrics) RecordVADWindow(hasVoice bool) {
	m.VADWindowsProcessed.Inc()
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
}

// RecordUtteranceOpened increments the opened utterances counter
func (m *Metrics) RecordUtteranceOpened() {
	m.UtterancesOpened.Inc()
}

// RecordUtteranceDiscarded records a discarded utterance by reason
func (m *Metrics) RecordUtteranceDiscarded(reason string) {
	m.UtterancesDiscarded.WithLabelValues(reason).Inc()
}

// RecordSegmentDispatched records a dispatched segment
func (m *Metrics) RecordSegmentDispatched(duration time.Duration, sizeBytes int) {
	m.SegmentsDispatched.Inc()
	m.SegmentDuration.Observe(duration.Seconds())
	m.SegmentSize.Observe(float64(sizeBytes))
}

// RecordDispatchFailure increments the dispatch failures counter
func (m *Metrics) RecordDispatchFailure() {
	m.DispatchFailures.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(duration time.Duration) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(duration.Seconds())
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(duration time.Duration) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
