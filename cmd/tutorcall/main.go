// Command tutorcall talks to a voice tutor backend from the terminal. Press
// Enter to start speaking and Enter again to hand the utterance over; type
// "r" to reconnect and "q" to quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	tutorrt "github.com/codewandler/tutorrt-go"
	"github.com/codewandler/tutorrt-go/events"
	"github.com/codewandler/tutorrt-go/internal/config"
	"github.com/codewandler/tutorrt-go/pcm"
	"github.com/codewandler/tutorrt-go/wavio"
	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	endpoint := flag.String("endpoint", "", "voice endpoint, overrides the config")
	input := flag.String("input", "", "play a WAV file instead of using the microphone")
	record := flag.String("record", "", "save the tutor's speech to a WAV file")
	flag.Parse()

	v := viper.New()
	cfg, err := config.Load(v, *configFilePath)
	must(err)
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *input != "" {
		cfg.Input = *input
	}
	if *record != "" {
		cfg.Record = *record
	}

	logger, logFile, err := config.ConfigureLogger(cfg.LogLevel, cfg.LogFile, os.Stderr)
	must(err)
	if logFile != nil {
		defer logFile.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	// audio
	timeline := tutorrt.NewTimeline(pcm.SampleRate)
	must(startSpeaker(timeline))

	var mic tutorrt.Microphone
	if cfg.Input != "" {
		mic = &wavio.Source{Path: cfg.Input, Realtime: true}
	} else {
		must(portaudio.Initialize())
		defer portaudio.Terminate()
		mic = tutorrt.MicrophoneFunc(openPortaudioMic)
	}

	client := tutorrt.New(
		tutorrt.WithOptions(cfg.ClientOptions()...),
		tutorrt.WithLogger(logger),
		tutorrt.WithMicrophone(mic),
		tutorrt.WithOutput(timeline),
		tutorrt.WithMetrics(reg),
	)
	defer client.End()

	if cfg.Record != "" {
		rec, err := wavio.Create(cfg.Record)
		must(err)
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Error("failed to close recording", slog.Any("err", err))
			}
		}()
		client.OnAudio(func(frame []byte) {
			if err := rec.Write(frame); err != nil {
				logger.Warn("recording frame dropped", slog.Any("err", err))
			}
		})
	}

	client.OnStatus(func(s tutorrt.Status) {
		line := s.Label
		if s.Message != "" {
			line += "  " + s.Message
		}
		fmt.Println(line)
	})
	client.OnError(func(err error) {
		fmt.Println("!", tutorrt.ErrorText(err))
	})
	client.OnControl(func(msg *events.Control) {
		if msg.Transcript != "" {
			fmt.Println(">", msg.Transcript)
		}
	})

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", slog.Any("err", err))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := handleLine(ctx, client, line, logger); done {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, client *tutorrt.Client, line string, logger *slog.Logger) bool {
	switch line {
	case "q":
		return true
	case "r":
		client.End()
		if err := client.Connect(ctx); err != nil {
			logger.Error("failed to connect", slog.Any("err", err))
		}
	case "":
		err := client.StartCapture(ctx)
		if errors.Is(err, tutorrt.ErrAlreadyCapturing) {
			err = client.StopCapture()
		}
		if err != nil && !errors.Is(err, tutorrt.ErrPermission) && !errors.Is(err, tutorrt.ErrCaptureCanceled) {
			logger.Warn("capture", slog.Any("err", err))
		}
	}
	return false
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	logger.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", slog.Any("err", err))
	}
}
