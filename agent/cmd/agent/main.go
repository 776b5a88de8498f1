package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/backupbeacon/backupbeacon/agent/internal/client"
	"github.com/backupbeacon/backupbeacon/agent/internal/config"
	"github.com/backupbeacon/backupbeacon/agent/internal/security"
	"github.com/backupbeacon/backupbeacon/agent/internal/state"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	host := flag.String("host", "", "override agent.host from the config file")
	port := flag.Int("port", 0, "override agent.port from the config file")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("backupbeacon-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Agent.Host = *host
	}
	if *port > 0 {
		cfg.Agent.Port = *port
	}
	slog.Info("config loaded",
		"url", cfg.Agent.URL(),
		"reconnect_delay", cfg.Agent.ReconnectDelay,
		"ping_interval", cfg.Agent.PingInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cs := security.Check(ctx, cfg.Agent); cs != nil {
		attrs := []any{"addr", cs.Addr, "status", cs.Status}
		if cs.Status == "valid" || cs.Status == "expiring" {
			attrs = append(attrs, "issuer", cs.Issuer, "days_left", cs.DaysLeft)
		}
		if cs.Status == "valid" {
			slog.Info("server certificate", attrs...)
		} else {
			slog.Warn("server certificate", attrs...)
		}
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.Agent.PingTimeout
	if cfg.Agent.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	header := http.Header{}
	if key := cfg.Agent.Auth.Key(); key != "" {
		header.Set(cfg.Agent.Auth.Header, key)
	}

	store := state.New()
	events, unsubscribe := store.Subscribe(16)
	defer unsubscribe()

	c := client.New(client.Options{
		URL:               cfg.Agent.URL(),
		Header:            header,
		ReconnectDelay:    cfg.Agent.ReconnectDelay,
		MaxReconnectDelay: cfg.Agent.MaxReconnectDelay,
		PingInterval:      cfg.Agent.PingInterval,
		PingTimeout:       cfg.Agent.PingTimeout,
		Dialer:            &dialer,
	}, store)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.Start(gctx)
		<-gctx.Done()
		slog.Info("backupbeacon-agent shutting down")
		c.Stop()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-events:
				logEvent(ev)
			}
		}
	})

	g.Wait() //nolint:errcheck
	slog.Info("backupbeacon-agent stopped")
}

func logEvent(ev state.Event) {
	s := ev.Snapshot
	switch ev.Kind {
	case state.EventAvailability:
		slog.Info("availability changed", "connected", s.Connected)
	case state.EventBackupState:
		slog.Info("backup state updated", "state", s.State, "attributes", len(s.Attributes))
	case state.EventBackupStale:
		slog.Info("backup staleness updated", "stale", s.IsStale)
	}
}
