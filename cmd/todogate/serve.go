package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/todogate/internal/api"
	"github.com/nugget/todogate/internal/buildinfo"
	"github.com/nugget/todogate/internal/config"
)

// runServe starts the HTTP API and blocks until SIGINT or SIGTERM.
//
// Shutdown order: the MQTT publisher goes offline, the HTTP server
// drains in-flight requests, then the usage queue is flushed and the
// stores are closed.
func runServe(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting", "build", buildinfo.String())
	if cfgPath == "" {
		logger.Info("no config file found, using defaults and environment")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := buildStack(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer st.Close()

	// The recorder outlives ctx so requests drained during shutdown are
	// still recorded.
	recCtx, recCancel := context.WithCancel(context.WithoutCancel(ctx))
	recDone := st.runRecorder(recCtx)

	if st.publisher != nil {
		go func() {
			if err := st.publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.Listen.BasePath, st.gateway, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if st.publisher != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := st.publisher.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
			offlineCancel()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.Chat()+5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		recCancel()
		<-recDone
		return fmt.Errorf("server failed: %w", err)
	}

	recCancel()
	<-recDone
	logger.Info("Todogate stopped", "dropped_usage_records", st.recorder.Dropped())
	return nil
}
