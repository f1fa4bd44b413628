// Command loopback serves a stand-in voice tutor backend on /ws/voice. It
// echoes every utterance back, which is enough to try tutorcall without the
// real service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/codewandler/tutorrt-go/internal/config"
	"github.com/codewandler/tutorrt-go/internal/loopback"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	listen := flag.String("listen", "", "listen address, overrides the config")
	flag.Parse()

	cfg, err := config.Load(viper.New(), *configFilePath)
	if err != nil {
		slog.Error("error during config read", "err", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger, logFile, err := config.ConfigureLogger(cfg.LogLevel, cfg.LogFile, os.Stdout)
	if err != nil {
		slog.Error("failed to configure logger", "err", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/voice", loopback.New(
		loopback.WithChunkSize(cfg.ChunkSize),
		loopback.WithLogger(logger),
	))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("loopback backend listening", slog.String("addr", cfg.Listen), slog.String("path", "/ws/voice"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", slog.Any("err", err))
		os.Exit(1)
	}
}
