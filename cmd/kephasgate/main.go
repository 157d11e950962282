// Package main provides the gateway binary: the websocket endpoint, the
// optional Redis-backed distributed mode and the Prometheus endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/observability"
	"github.com/luciancaetano/kephasgate/internal/server"
	"github.com/luciancaetano/kephasgate/internal/store"
	"github.com/luciancaetano/kephasgate/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses defaults and KEPHASGATE_* env")
	shutdownTimeout := flag.Duration("shutdown-timeout", server.DefaultShutdownTimeout, "graceful shutdown budget")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if cfg.Gateway.InstanceID == "" {
		cfg.Gateway.InstanceID = uuid.NewString()
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Gateway.InstanceID)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret is required")
	}

	logger.Info("starting gateway",
		zap.String("addr", cfg.Server.Addr),
		zap.String("path", cfg.Server.Path),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	lifecycle := server.NewLifecycle(logger, *shutdownTimeout)
	opts := []ws.Option{ws.WithLogger(logger)}

	if cfg.Redis.Enabled {
		redisStart := time.Now()
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
		logger.Info("redis connected",
			zap.String("addr", cfg.Redis.Addr),
			zap.Duration("elapsed", time.Since(redisStart)),
		)
		opts = append(opts, ws.WithStore(rs))

		// Added first so it is closed after the gateway stops using it.
		lifecycle.Add("redis", &server.FuncService{
			StartFn: rs.Ping,
			StopFn: func(context.Context) error {
				return rs.Close()
			},
		})
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, ws.WithMetrics(prometheus.DefaultRegisterer))
		lifecycle.Add("metrics", metricsService(cfg.Metrics.Addr, logger))
	}

	gw, err := ws.New(cfg, ws.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), opts...)
	if err != nil {
		logger.Fatal("creating gateway", zap.Error(err))
	}
	lifecycle.Add("gateway", gw)

	logger.Info("gateway wired",
		zap.String("instance_id", gw.InstanceID()),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// metricsService serves promhttp on its own listener.
func metricsService(addr string, logger *zap.Logger) server.Service {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &server.FuncService{
		StartFn: func(context.Context) error {
			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			select {
			case err := <-errCh:
				return fmt.Errorf("metrics listen on %s: %w", addr, err)
			case <-time.After(100 * time.Millisecond):
				logger.Info("metrics listening", zap.String("addr", addr))
				return nil
			}
		},
		StopFn: srv.Shutdown,
	}
}
