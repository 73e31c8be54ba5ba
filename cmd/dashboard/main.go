package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/internal/server"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/config"
	"github.com/orchestro/console/pkg/logger"
)

func main() {
	cfg, err := config.LoadConsoleConfig()
	if err != nil {
		logger.New("dashboard", slog.LevelInfo).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log, err := logger.NewWithFormat(os.Stdout, "dashboard", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.New("dashboard", slog.LevelInfo).Error("invalid logger configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	api, err := client.New(cfg.APIBaseURL, client.WithTimeout(cfg.RequestTimeout), client.WithToken(cfg.APIToken))
	if err != nil {
		log.Error("failed to configure api client", "error", err)
		os.Exit(1)
	}

	engineCfg := engine.Config{
		PushURL:            cfg.PushURL,
		ReconnectDelay:     cfg.ReconnectDelay,
		RuntimeLogInterval: cfg.RuntimeLogInterval,
	}
	if cfg.APIToken != "" {
		engineCfg.Header = http.Header{"Authorization": []string{"Bearer " + cfg.APIToken}}
	}
	eng := engine.New(api, engineCfg, log, m)
	defer eng.Close()

	// event streams run until their request context ends; cancelling the base context on
	// shutdown lets Shutdown drain them
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(eng, api, log, m, server.WithGatherer(reg)),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dashboard server starting", "addr", cfg.Addr, "api", cfg.APIBaseURL, "push", cfg.PushURL, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("dashboard server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
