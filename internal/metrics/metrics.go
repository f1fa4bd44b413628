package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the voice data path of one client.
type Metrics struct {
	// Capture / outbound
	FramesSent    prometheus.Counter
	BytesSent     prometheus.Counter
	FramesDropped prometheus.Counter
	Utterances    prometheus.Counter

	// Inbound
	FramesReceived   prometheus.Counter
	MalformedFrames  prometheus.Counter
	ControlMessages  prometheus.Counter
	MalformedControl prometheus.Counter

	// Playback
	PlaybackGaps       prometheus.Counter
	PlaybackGapSeconds prometheus.Histogram
	ScheduledSeconds   prometheus.Counter

	// Session
	CaptureFallbacks  prometheus.Counter
	PermissionDenials prometheus.Counter
	ConnectionErrors  prometheus.Counter
	SessionState      *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses a
// private registry, so the counters still work but are not exported.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_frames_sent_total",
			Help: "Binary audio frames handed to the transport, end-of-utterance frames included",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_bytes_sent_total",
			Help: "PCM bytes handed to the transport",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_frames_dropped_total",
			Help: "Outbound frames dropped because the connection was not open",
		}),
		Utterances: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_utterances_total",
			Help: "Utterances terminated with a zero-length frame",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_frames_received_total",
			Help: "Binary audio frames received from the backend",
		}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_malformed_frames_total",
			Help: "Inbound audio frames dropped for not being whole 16-bit samples",
		}),
		ControlMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_control_messages_total",
			Help: "Text control messages received",
		}),
		MalformedControl: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_malformed_control_total",
			Help: "Text control messages ignored because they were not valid JSON",
		}),
		PlaybackGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_playback_gaps_total",
			Help: "Frames that arrived after the playback cursor, leaving silence",
		}),
		PlaybackGapSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutor_playback_gap_seconds",
			Help:    "Silence inserted before a late frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),
		ScheduledSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_scheduled_audio_seconds_total",
			Help: "Audio scheduled for playback",
		}),
		CaptureFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_capture_fallbacks_total",
			Help: "Capture starts that fell back to the buffered processor",
		}),
		PermissionDenials: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_permission_denials_total",
			Help: "Microphone acquisitions that failed",
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_connection_errors_total",
			Help: "Connections that failed to open or were lost",
		}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tutor_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
	}
}

// SetState flips the state gauge to the given state.
func (m *Metrics) SetState(prev, next string) {
	if prev != "" {
		m.SessionState.WithLabelValues(prev).Set(0)
	}
	m.SessionState.WithLabelValues(next).Set(1)
}
