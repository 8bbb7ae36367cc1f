package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsFailed    *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
	SessionsSwept     prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Audio metrics
	ChunksReceived prometheus.Counter
	ChunksRejected *prometheus.CounterVec
	ChunksReplayed prometheus.Counter
	AudioBytes     prometheus.Counter

	// Recognizer metrics
	AdapterOpenDuration prometheus.Histogram
	ForwardFailures     prometheus.Counter

	// Persistence metrics
	FinalizeDuration prometheus.Histogram
	PersistFailures  prometheus.Counter
	FinalizeQueue    prometheus.Gauge
	FinalizeOverflow prometheus.Counter

	// Connection metrics
	Connections prometheus.Gauge

	// Client capture metrics
	CaptureFramesSent    prometheus.Counter
	CaptureFramesDropped prometheus.Counter
	CaptureQueueDepth    prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Current number of registered recording sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Total number of sessions acknowledged to clients",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_start_failed_total",
			Help: "Total number of session starts rejected, by error code",
		}, []string{"code"}),
		SessionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_finalized_total",
			Help: "Total number of sessions finalized, by end reason",
		}, []string{"reason"}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_swept_total",
			Help: "Total number of sessions removed by the idle sweeper",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_audio_seconds",
			Help:    "Recorded audio duration per finalized session",
			Buckets: []float64{1, 10, 30, 60, 300, 600, 1200, 1800},
		}),

		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_received_total",
			Help: "Total number of audio chunks accepted",
		}),
		ChunksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_chunks_rejected_total",
			Help: "Total number of audio chunks rejected, by error code",
		}, []string{"code"}),
		ChunksReplayed: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_replayed_total",
			Help: "Total number of audio chunks dropped as replays",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_bytes_total",
			Help: "Total PCM bytes accepted",
		}),

		AdapterOpenDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_adapter_open_seconds",
			Help:    "Time to open a streaming recognition session",
			Buckets: prometheus.DefBuckets,
		}),
		ForwardFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_adapter_forward_failures_total",
			Help: "Total number of chunks that could not be forwarded after retries",
		}),

		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_finalize_seconds",
			Help:    "Time to finalize and persist a session",
			Buckets: prometheus.DefBuckets,
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_persist_failures_total",
			Help: "Total number of sessions whose artifact or record could not be saved",
		}),
		FinalizeQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_finalize_queue_size",
			Help: "Sessions waiting for background finalization",
		}),
		FinalizeOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_finalize_overflow_total",
			Help: "Sessions finalized outside the worker pool because its queue was full",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_ws_connections",
			Help: "Current number of streaming connections",
		}),

		CaptureFramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_capture_frames_sent_total",
			Help: "Total number of frames handed to the network by the capture client",
		}),
		CaptureFramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_capture_frames_dropped_total",
			Help: "Total number of frames dropped because the pending queue was full",
		}),
		CaptureQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_capture_queue_depth",
			Help: "Frames waiting in the capture client's pending queue",
		}),
	}
}
