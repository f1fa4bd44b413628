package tutorrt

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EndpointEnvVarNameShort = "TUTOR_ENDPOINT"
	EndpointEnvVarNameLong  = "VOICE_ENDPOINT"

	DefaultEndpoint = "ws://127.0.0.1:8000/ws/voice"
)

type clientConfig struct {
	endpoint          string
	headers           http.Header
	dialTimeout       time.Duration
	logger            *slog.Logger
	microphone        Microphone
	output            Output
	resampler         Resampler
	captureStrategy   CaptureStrategy
	readBlockSize     int
	bufferedBlockSize int
	minLead           time.Duration
	pollInterval      time.Duration
	finishMargin      time.Duration
	errorTTL          time.Duration
	registerer        prometheus.Registerer
}

func (c *clientConfig) validate() error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint must be a ws:// or wss:// url, got %q", c.endpoint)
	}
	if c.bufferedBlockSize <= 0 {
		return fmt.Errorf("buffered block size must be positive")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.minLead < 0 || c.finishMargin < 0 {
		return fmt.Errorf("min lead and finish margin must not be negative")
	}
	if c.output != nil && c.output.SampleRate() <= 0 {
		return fmt.Errorf("output sample rate must be positive")
	}
	return nil
}

type ClientOption func(*clientConfig)

func WithEndpoint(endpoint string) ClientOption {
	return func(o *clientConfig) {
		o.endpoint = endpoint
	}
}

// WithEnvEndpoint takes the endpoint from the first non-empty environment
// variable.
func WithEnvEndpoint(vars ...string) ClientOption {
	return func(o *clientConfig) {
		for _, envVarName := range vars {
			if v := os.Getenv(envVarName); v != "" {
				o.endpoint = v
				return
			}
		}
	}
}

func WithHeader(key, value string) ClientOption {
	return func(o *clientConfig) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Add(key, value)
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.dialTimeout = d
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientConfig) {
		o.logger = logger
	}
}

func WithDefaultLogger() ClientOption {
	return WithLogger(slog.Default())
}

func WithMicrophone(mic Microphone) ClientOption {
	return func(o *clientConfig) {
		o.microphone = mic
	}
}

// WithOutput plays tutor audio on out. Without it the client plays into a
// Timeline that advances on the wall clock and discards the audio.
func WithOutput(out Output) ClientOption {
	return func(o *clientConfig) {
		o.output = out
	}
}

func WithResampler(r Resampler) ClientOption {
	return func(o *clientConfig) {
		o.resampler = r
	}
}

func WithCaptureStrategy(s CaptureStrategy) ClientOption {
	return func(o *clientConfig) {
		o.captureStrategy = s
	}
}

// WithReadBlockSize sets how many samples are read at a time from streams
// that do not fix their own block size.
func WithReadBlockSize(samples int) ClientOption {
	return func(o *clientConfig) {
		o.readBlockSize = samples
	}
}

// WithBufferedBlockSize sets the frame size in samples of the buffered
// capture strategy.
func WithBufferedBlockSize(samples int) ClientOption {
	return func(o *clientConfig) {
		o.bufferedBlockSize = samples
	}
}

// WithMinLead sets how far ahead of the output clock the first frame of a
// response is scheduled.
func WithMinLead(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.minLead = d
	}
}

func WithPollInterval(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.pollInterval = d
	}
}

// WithFinishMargin sets how long past the end of the last scheduled frame
// playback counts as finished.
func WithFinishMargin(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.finishMargin = d
	}
}

// WithErrorTTL sets how long a surfaced error stays in the status.
func WithErrorTTL(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.errorTTL = d
	}
}

// WithMetrics registers the client metrics with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(o *clientConfig) {
		o.registerer = reg
	}
}

func WithOptions(opts ...ClientOption) ClientOption {
	return func(o *clientConfig) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

func withDefaults() ClientOption {
	return WithOptions(
		WithEndpoint(DefaultEndpoint),
		WithEnvEndpoint(EndpointEnvVarNameShort, EndpointEnvVarNameLong),
		WithDialTimeout(10*time.Second),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithResampler(LinearResampler{}),
		WithCaptureStrategy(CaptureAuto),
		WithReadBlockSize(DefaultReadBlockSize),
		WithBufferedBlockSize(DefaultBufferedBlockSize),
		WithMinLead(50*time.Millisecond),
		WithPollInterval(100*time.Millisecond),
		WithFinishMargin(100*time.Millisecond),
		WithErrorTTL(5*time.Second),
	)
}
