package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/iliyamo/training-portal/internal/config"
	"github.com/iliyamo/training-portal/internal/handler"
	"github.com/iliyamo/training-portal/internal/middleware"
	"github.com/iliyamo/training-portal/internal/queue"
	"github.com/iliyamo/training-portal/internal/router"
	"github.com/iliyamo/training-portal/internal/session"
)

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web portal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger("portal", cfg.LogLevel)

	// Redis is optional unless it backs the Token Store; without it the
	// login throttle is disabled.
	var rdb *redis.Client
	rl := config.LoadRateLimitConfig()
	if cfg.Token.Backend == "redis" || rl.Enabled {
		if rdb = config.NewRedisClient(); rdb == nil {
			logger.Warn("redis unreachable; login rate limiting disabled")
		} else {
			defer rdb.Close()
		}
	}

	tb, closeTokens, err := tokenBackend(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeTokens()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := session.NewMetrics(reg)

	opts := []session.Option{session.WithMetrics(metrics)}
	if cfg.Events.Enabled {
		pub := queue.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Queue, 0, logger)
		go pub.Run(ctx)
		opts = append(opts, session.WithNotifier(pub))
	}
	if cfg.Events.ConsumerEnabled {
		audit := queue.NewAuditLog(cfg.Events.AuditLogFile)
		go func() {
			if err := queue.StartAuditConsumer(ctx, cfg.Events.AMQPURL, cfg.Events.Queue, audit, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("audit consumer stopped: %v", err)
			}
		}()
	}

	factory, err := managerFactory(cfg, tb, logger, opts...)
	if err != nil {
		return err
	}
	registry := session.NewRegistry(factory, metrics, logger)
	go registry.RunSweeper(ctx, cfg.SessionIdle)

	renderer, err := handler.NewRenderer()
	if err != nil {
		return err
	}
	e := echo.New()
	e.HideBanner = true
	e.Logger = logger
	e.Renderer = renderer
	e.HTTPErrorHandler = handler.ErrorHandler(e, router.DefaultProxyPrefix)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XFrameOptions:      "DENY",
		ContentTypeNosniff: "nosniff",
		ReferrerPolicy:     "same-origin",
	}))

	router.RegisterRoutes(e, router.Deps{
		Registry: registry,
		Profile: middleware.ProfileConfig{
			Secret:     cfg.ProfileSecret,
			CookieName: cfg.ProfileCookie,
			TTL:        cfg.ProfileTTL,
			Secure:     cfg.CookieSecure,
		},
		RateLimit: rl,
		Redis:     rdb,
		GuardWait: cfg.GuardWait,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	addr := ":" + cfg.Port
	logger.Infof("listening on %s (env=%s backend=%s tokens=%s)", addr, cfg.Env, cfg.APIBase(), cfg.Token.Backend)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
