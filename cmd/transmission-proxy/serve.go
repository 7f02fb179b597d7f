package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/config"
	"github.com/alexjbarnes/transmission-proxy/internal/logging"
	"github.com/alexjbarnes/transmission-proxy/internal/metrics"
	"github.com/alexjbarnes/transmission-proxy/internal/proxy"
	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
	"github.com/alexjbarnes/transmission-proxy/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("transmission-proxy starting",
		slog.String("version", Version),
		slog.String("upstream", cfg.UpstreamURL),
		slog.String("public_url", cfg.PublicURL),
		slog.String("download_root", cfg.DownloadRoot),
	)
	if cfg.SecretGenerated {
		logger.Warn("SECRET_KEY not set, generated one for this run; sessions end on restart")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	logins := auth.NewLoginStore()
	defer logins.Stop()

	holder, err := config.NewHolder(cfg.ConfigPath, config.BuildOptions{
		PublicURL:  cfg.PublicURL,
		Logins:     logins,
		HTTPClient: &http.Client{Timeout: cfg.UpstreamTimeout},
		Logger:     logger,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	logger.Info("policy loaded",
		slog.String("path", cfg.ConfigPath),
		slog.Int("rules", holder.Engine().Len()),
	)

	upstream, err := rpc.NewClient(cfg.UpstreamURL, rpc.NewSession(),
		rpc.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		rpc.WithBasicAuth(cfg.UpstreamUsername, cfg.UpstreamPassword),
		rpc.WithLogger(logger),
		rpc.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("creating daemon client: %w", err)
	}

	sessions, err := auth.NewSessionSigner([]byte(cfg.SecretKey), cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("creating session signer: %w", err)
	}

	webTarget, err := url.Parse(cfg.UpstreamWebURL)
	if err != nil {
		return fmt.Errorf("parsing UPSTREAM_WEB_URL: %w", err)
	}

	var csrf string
	if cfg.CSRFProtection {
		csrf = auth.RandomHex(24)
	}

	handler := server.NewRouter(server.Config{
		BasePath:      cfg.BasePath,
		SecureCookies: cfg.SecureCookies(),
		Policy:        holder,
		Sessions:      sessions,
		Upstream:      upstream,
		Dirs:          proxy.NewDirs(cfg.DownloadRoot),
		Web: &proxy.WebConfig{
			Target:   webTarget,
			Username: cfg.UpstreamUsername,
			Password: cfg.UpstreamPassword,
			LoginURL: cfg.BasePath + "/login",
		},
		CSRFToken: csrf,
		Metrics:   m,
		Gatherer:  reg,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("base_path", cfg.BasePath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.ConfigWatch {
		g.Go(func() error {
			if err := holder.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching policy: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
