package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/spectacles/proxy/bus"
	"github.com/spectacles/proxy/config"
	"github.com/spectacles/proxy/executor"
	"github.com/spectacles/proxy/harness"
	"github.com/spectacles/proxy/health"
	"github.com/spectacles/proxy/logger"
	"github.com/spectacles/proxy/metrics"
	"github.com/spectacles/proxy/ratelimit"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.WithEnv()

	log := logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cmd.OutOrStderr())
	defer log.Sync()

	redisClient, err := connectWithRetry(ctx, log, "redis", func() (*redis.Client, error) {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		opts.PoolSize = cfg.Redis.PoolSize
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	b, err := connectWithRetry(ctx, log, "bus", func() (*bus.Bus, error) {
		return bus.Connect(cfg.Broker.URL, cfg.Broker.Event, cfg.Broker.CancelEvent, cfg.Broker.Group)
	})
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer b.Close()

	var gate ratelimit.Gate
	if cfg.RateLimiter.Mode == "local" {
		gate = ratelimit.NewLocalGate()
	} else {
		gate = ratelimit.NewRedisGate(redisClient)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mws := []executor.Middleware{executor.LoggingMiddleware(log)}
	if cfg.Metrics.UpstreamDetail {
		mws = append(mws, executor.MetricsMiddleware(func(method, path string, status int, d time.Duration) {
			m.ObserveUpstreamCall(method, path, status, d)
		}))
	}

	ex := executor.New(
		gate, cfg.API.Scheme, cfg.API.Base, cfg.API.Version, cfg.Server.Timeout,
		executor.WithLogger(log),
		executor.WithMetrics(m),
		executor.WithMiddlewares(mws...),
	)

	h := harness.New(ex, b.Republish, log)

	reqSub, err := b.Consume(func(msg *bus.Message) {
		h.HandleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to request subject: %w", err)
	}
	defer reqSub.Unsubscribe()

	cancelSub, err := b.ConsumeCancellationsRaw(h.HandleCancellation)
	if err != nil {
		return fmt.Errorf("subscribing to cancellation subject: %w", err)
	}
	defer cancelSub.Unsubscribe()

	checker := health.NewChecker(redisClient, b.Conn())
	router := newOperationalRouter(reg, cfg.Metrics.Path, checker, log)
	opsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: router}

	go func() {
		log.Info("proxy.operational_listen", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("proxy.operational_listen_failed", "error", err)
		}
	}()

	log.Info("proxy.started",
		"subject", cfg.Broker.Event,
		"group", cfg.Broker.Group,
		"rate_limiter_mode", cfg.RateLimiter.Mode,
	)

	<-ctx.Done()
	log.Info("proxy.shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = opsServer.Shutdown(shutdownCtx)
	h.Shutdown(shutdownCtx)

	return nil
}
