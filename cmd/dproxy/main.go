package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"dproxy/internal/channel"
	"dproxy/internal/client"
	"dproxy/internal/config"
	"dproxy/internal/handler"
	"dproxy/internal/logger"
	"dproxy/internal/metrics"
	"dproxy/internal/middleware"
	"dproxy/internal/reactor"
	"dproxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("dproxy"),
		kong.Description("Forward HTTP proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			logger.New,
			metrics.New,
			newLoop,
			func(l *reactor.Loop) reactor.Reactor { return l },
			client.NewUpstream,
			func(u *client.Upstream) channel.Upstream { return u },
			service.NewProxyService,
			func(s *service.ProxyService) handler.StatusSource { return s },
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfig, startProxy, startAdmin),
	).Run()
}

func newLoop(logger *slog.Logger) (*reactor.Loop, error) {
	l, err := reactor.NewLoop(logger)
	if err != nil {
		return nil, fmt.Errorf("event loop: %w", err)
	}
	return l, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.RequestLogger(logger.With("component", "admin"), "/healthz"))
	e.Use(echomw.BodyLimit("1K"))
	e.Use(middleware.SecurityHeaders())

	if rl := cfg.Admin.RateLimit; rl.Enabled {
		store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(rl.RequestsPerSecond),
			Burst: rl.Burst,
		})
		e.Use(echomw.RateLimiter(store))
		logger.Info("admin rate limiter enabled", "rps", rl.RequestsPerSecond, "burst", rl.Burst)
	}

	return e
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnHistoricalPort(logger)
}

func startProxy(lc fx.Lifecycle, loop *reactor.Loop, svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) {
	var ln *reactor.Listener

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Proxy.Addr()
			var err error
			ln, err = loop.Listen(addr, svc.Accept)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			logger.Info("starting proxy", "addr", ln.Addr().String())
			go func() {
				if err := loop.Run(); err != nil {
					logger.Error("event loop stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy", "active_channels", svc.Summary().ActiveChannels)
			loop.Post(func() {
				if err := ln.Close(); err != nil {
					logger.Warn("close listener", "err", err)
				}
				svc.CloseAll()
			})
			loop.Stop()
			select {
			case <-loop.Done():
			case <-ctx.Done():
				return fmt.Errorf("event loop shutdown: %w", ctx.Err())
			}
			return loop.Close()
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr, "metrics", cfg.Metrics.Enabled)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
