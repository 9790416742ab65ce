package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"treekv/internal/identity"
	"treekv/internal/kv"
	"treekv/internal/logging"
	"treekv/internal/ssh"
	"treekv/internal/transport"
)

var logger = logging.For("serve")

type serveCommand struct {
	app           *app
	Listen        string `long:"listen" description:"transport listen address (overrides config)"`
	SSHListen     string `long:"ssh-listen" description:"SSH console listen address, empty to disable (overrides config)"`
	MetricsListen string `long:"metrics-listen" description:"metrics listen address (overrides config)"`
}

func (c *serveCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, cfg, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Serve.Listen = c.Listen
	}
	if c.SSHListen != "" {
		cfg.Serve.SSHListen = c.SSHListen
	}
	if c.MetricsListen != "" {
		cfg.Serve.MetricsListen = c.MetricsListen
	}

	id, err := identity.Load(cfg.Serve.Identity)
	if err != nil {
		return err
	}
	logger.Info("node identity", "transport_key", id.PeerKey(), "ssh_fingerprint", id.Fingerprint)

	srv := transport.NewServer(b.Repo(), id, transport.ServerConfig{
		Listen:       cfg.Serve.Listen,
		AllowedPeers: cfg.Serve.AllowedPeers,
		RateLimit:    cfg.Serve.RateLimit,
		IdleTimeout:  cfg.Serve.IdleTimeout.Duration,
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 3)
	go func() { errCh <- srv.Serve(ctx) }()
	defer srv.Stop()

	if cfg.Serve.SSHListen != "" {
		opts, err := bucketOptions(cfg)
		if err != nil {
			return err
		}
		open := func(ctx context.Context) (*kv.Bucket, error) {
			return kv.Open(ctx, cfg.Bucket.Path, opts...)
		}
		authKeysPath := filepath.Join(filepath.Dir(cfg.Serve.Identity), "authorized_keys")
		console, err := ssh.NewServer(cfg.Serve.SSHListen, id, open, authKeysPath)
		if err != nil {
			return err
		}
		registerConsoleCommands(console.Commands(), srv)
		if err := console.Listen(); err != nil {
			return err
		}
		go func() { errCh <- console.Serve(ctx) }()
		defer console.Stop()
		logger.Info("SSH console listening", "addr", console.Addr())
	}

	if cfg.Serve.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := kv.RegisterMetrics(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{
			Addr:              cfg.Serve.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = hs.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", "addr", cfg.Serve.MetricsListen)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
