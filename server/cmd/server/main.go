package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/backupbeacon/backupbeacon/pkg/backoff"
	"github.com/backupbeacon/backupbeacon/server/internal/api"
	"github.com/backupbeacon/backupbeacon/server/internal/auth"
	"github.com/backupbeacon/backupbeacon/server/internal/config"
	"github.com/backupbeacon/backupbeacon/server/internal/notify"
	"github.com/backupbeacon/backupbeacon/server/internal/status"
	"github.com/backupbeacon/backupbeacon/server/internal/updater"
	"github.com/backupbeacon/backupbeacon/server/internal/ws"
)

// sourceService is the gRPC health service name that tracks the status source.
const sourceService = "backupbeacon.source"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	httpPort := flag.Int("http-port", 0, "override server.http_port from the config file")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("backupbeacon-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *httpPort > 0 {
		cfg.Server.HTTPPort = *httpPort
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"status_url", cfg.StatusSource.URL,
		"reporting_interval", cfg.Updater.ReportingInterval,
		"targets", len(cfg.Notifications.Targets),
	)

	if err := run(*configPath, cfg); err != nil {
		slog.Error("backupbeacon-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("backupbeacon-server stopped")
}

func run(configPath string, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := ws.New(ws.Options{
		WriteTimeout: cfg.Server.WS.WriteTimeout,
		Heartbeat:    cfg.Server.WS.Heartbeat,
		QueueSize:    cfg.Server.WS.QueueSize,
		Registerer:   reg,
	})

	authMode := cfg.Server.Auth.Mode
	authHeader := cfg.Server.Auth.EffectiveHeader()
	authKey := cfg.Server.Auth.Key()

	mux := http.NewServeMux()
	mux.Handle("/ws", auth.APIKeyMiddleware(authMode, authHeader, authKey, hub))
	mux.Handle("/", api.New(hub, reg))

	srv := ws.NewServer(fmt.Sprintf(":%d", cfg.Server.HTTPPort), hub, mux)
	if err := srv.Start(); err != nil {
		return err
	}
	slog.Info("HTTP server listening", "addr", srv.Addr())

	// Health is reported as a whole and per status source.
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(sourceService, healthpb.HealthCheckResponse_NOT_SERVING)

	opts := updater.Options{
		Source:    status.NewHTTPSource(cfg.StatusSource),
		Publisher: hub,
		StatusURL: cfg.Notifications.StatusURL,
		Settings:  updater.SettingsFrom(cfg.Updater),
		Backoff:   backoff.New(cfg.Updater.Backoff.Base, cfg.Updater.Backoff.Max, backoff.WithJitter(0.1)),
		OnSourceStatus: func(ok bool) {
			st := healthpb.HealthCheckResponse_NOT_SERVING
			if ok {
				st = healthpb.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus(sourceService, st)
		},
		Registerer: reg,
	}
	if n := notify.New(cfg.Notifications); n.Enabled() {
		opts.Notifier = n
	}
	worker := updater.New(opts)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(next *config.Config) {
			worker.Reconfigure(updater.SettingsFrom(next.Updater))
			worker.Trigger()
		})
		if err != nil {
			// Reload is best effort; the server keeps running on the old settings.
			slog.Warn("config watch stopped", "err", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcSrv = grpc.NewServer(
			grpc.ChainUnaryInterceptor(auth.APIKeyInterceptor(authMode, authHeader, authKey)),
			grpc.ChainStreamInterceptor(auth.APIKeyStreamInterceptor(authMode, authHeader, authKey)),
		)
		healthpb.RegisterHealthServer(grpcSrv, hs)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			cancel()
			_ = g.Wait()
			_ = srv.Stop(context.Background())
			return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
		g.Go(func() error {
			slog.Info("gRPC health listening", "port", cfg.Server.GRPCPort)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("backupbeacon-server shutting down")
		hs.Shutdown()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return srv.Stop(sctx)
	})

	return g.Wait()
}
