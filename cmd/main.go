// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mombroker/broker"
	"github.com/absmach/mombroker/config"
	"github.com/absmach/mombroker/internal/tlsconfig"
	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/ratelimit"
	"github.com/absmach/mombroker/server/http"
	"github.com/absmach/mombroker/server/otel"
	"github.com/absmach/mombroker/server/tcp"
	"github.com/absmach/mombroker/server/websocket"
	"github.com/absmach/mombroker/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	feed := broker.NewLogFeed(cfg.Broker.LogFeedSize)
	logger := newLogger(cfg.Log, os.Stdout, feed)
	slog.SetDefault(logger)

	framing, err := protocol.ParseFraming(cfg.Server.TCP.Framing)
	if err != nil {
		slog.Error("Invalid TCP framing", "error", err)
		os.Exit(1)
	}

	tlsCfg, err := tlsconfig.Load(cfg.Server.TCP.TLS)
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting message broker", "id", cfg.Broker.ID)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCP.Addr,
		"tcp_framing", framing,
		"tcp_security", tlsconfig.SecurityStatus(tlsCfg),
		"ws_enabled", cfg.Server.WebSocket.Enabled,
		"http_enabled", cfg.Server.HTTP.Enabled,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	var otelShutdown func(context.Context) error
	var metrics broker.Metrics
	if cfg.Server.Otel.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server.Otel, otel.Deployment{
			BrokerID:       cfg.Broker.ID,
			Storage:        cfg.Storage.Type,
			Framing:        string(framing),
			TLS:            tlsCfg != nil,
			WebSocket:      cfg.Server.WebSocket.Enabled,
			StrictProtocol: cfg.Broker.StrictProtocol,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Server.Otel.MetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		slog.Info("OpenTelemetry enabled",
			"endpoint", cfg.Server.Otel.Endpoint,
			"insecure", cfg.Server.Otel.Insecure,
			"metrics", cfg.Server.Otel.MetricsEnabled,
			"traces", cfg.Server.Otel.TracesEnabled)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize event notifiers", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	b := broker.New(broker.Options{
		ID: cfg.Broker.ID,
		Limits: store.Limits{
			DMHistory:    cfg.Broker.DMHistoryLimit,
			TopicHistory: cfg.Broker.TopicHistoryLimit,
		},
		Gateway:           gw,
		Notifier:          notifier,
		RateLimiter:       limiter,
		Metrics:           metrics,
		Logger:            logger,
		LogFeed:           feed,
		StrictProtocol:    cfg.Broker.StrictProtocol,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
	})
	b.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCP.Addr,
		TLSConfig:       tlsCfg,
		Framing:         framing,
		MaxFrameSize:    cfg.Server.TCP.MaxFrameSize,
		MaxConnections:  cfg.Server.TCP.MaxConnections,
		WriteTimeout:    cfg.Server.TCP.WriteTimeout,
		TCPKeepAlive:    cfg.Server.TCP.KeepAlive,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	}, b)
	g.Go(func() error { return tcpServer.Listen(gctx) })

	if cfg.Server.WebSocket.Enabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WebSocket.Addr,
			Path:            cfg.Server.WebSocket.Path,
			AllowedOrigins:  cfg.Server.WebSocket.AllowedOrigins,
			MaxFrameSize:    cfg.Server.TCP.MaxFrameSize,
			WriteTimeout:    cfg.Server.TCP.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		g.Go(func() error { return wsServer.Listen(gctx) })
	}

	if cfg.Server.HTTP.Enabled {
		httpServer := http.New(http.Config{
			Address:         cfg.Server.HTTP.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		g.Go(func() error { return httpServer.Listen(gctx) })
	}

	slog.Info("Message broker started successfully")

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
	} else {
		slog.Info("Received shutdown signal")
	}

	if err := b.Close(); err != nil {
		slog.Error("Error during broker shutdown", "error", err)
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close event notifiers", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Message broker stopped")
}
