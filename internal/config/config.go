// Package config loads the settings shared by the command line tools.
// TUTOR_* environment variables take precedence over the config file, which
// takes precedence over the defaults.
package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tutorrt "github.com/codewandler/tutorrt-go"
	"github.com/spf13/viper"
)

type Config struct {
	Endpoint          string
	LogLevel          string
	LogFile           string
	MetricsAddr       string
	Capture           tutorrt.CaptureStrategy
	ReadBlockSize     int
	BufferedBlockSize int
	MinLead           time.Duration
	ErrorTTL          time.Duration

	// Input plays a WAV file instead of opening the microphone.
	Input string
	// Record saves the tutor's speech to a WAV file.
	Record string

	// Listen and ChunkSize configure the loopback backend.
	Listen    string
	ChunkSize int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", tutorrt.DefaultEndpoint)
	v.SetDefault("loglevel", "info")
	v.SetDefault("logfile", "")
	v.SetDefault("metricsaddr", "")
	v.SetDefault("capture", "auto")
	v.SetDefault("readblocksize", tutorrt.DefaultReadBlockSize)
	v.SetDefault("bufferedblocksize", tutorrt.DefaultBufferedBlockSize)
	v.SetDefault("minlead", "50ms")
	v.SetDefault("errorttl", "5s")
	v.SetDefault("input", "")
	v.SetDefault("record", "")
	v.SetDefault("listen", "127.0.0.1:8000")
	v.SetDefault("chunksize", 4800)
}

// Load reads configFilePath if it exists. A missing file is not an error;
// every setting then comes from the environment or its default.
func Load(v *viper.Viper, configFilePath string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			slog.Info("no config file found", "configFilePath", configFilePath)
		}
	}

	capture, err := tutorrt.ParseCaptureStrategy(v.GetString("capture"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Endpoint:          v.GetString("endpoint"),
		LogLevel:          v.GetString("loglevel"),
		LogFile:           v.GetString("logfile"),
		MetricsAddr:       v.GetString("metricsaddr"),
		Capture:           capture,
		ReadBlockSize:     v.GetInt("readblocksize"),
		BufferedBlockSize: v.GetInt("bufferedblocksize"),
		MinLead:           v.GetDuration("minlead"),
		ErrorTTL:          v.GetDuration("errorttl"),
		Input:             v.GetString("input"),
		Record:            v.GetString("record"),
		Listen:            v.GetString("listen"),
		ChunkSize:         v.GetInt("chunksize"),
	}, nil
}

// ClientOptions translates the client settings.
func (c *Config) ClientOptions() []tutorrt.ClientOption {
	return []tutorrt.ClientOption{
		tutorrt.WithEndpoint(c.Endpoint),
		tutorrt.WithCaptureStrategy(c.Capture),
		tutorrt.WithReadBlockSize(c.ReadBlockSize),
		tutorrt.WithBufferedBlockSize(c.BufferedBlockSize),
		tutorrt.WithMinLead(c.MinLead),
		tutorrt.WithErrorTTL(c.ErrorTTL),
	}
}

// ConfigureLogger builds a logger for level, one of "none", "error",
// "warn", "info" or "debug", and installs it as the slog default. Without a
// log file it writes text to w; otherwise it writes JSON to the file, which
// the caller must close.
func ConfigureLogger(level, logFile string, w io.Writer) (*slog.Logger, *os.File, error) {
	opts := slog.HandlerOptions{}

	switch level {
	case "none":
		logger := slog.New(slog.DiscardHandler)
		slog.SetDefault(logger)
		return logger, nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, nil, errors.New("unexpected log level")
	}

	var (
		f       *os.File
		handler slog.Handler
	)
	if logFile == "" {
		handler = slog.NewTextHandler(w, &opts)
	} else {
		var err error
		f, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handler = slog.NewJSONHandler(f, &opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, f, nil
}
