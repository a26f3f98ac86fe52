// Package main runs the chat relay: TCP and optional WebSocket listeners in
// front of a shared session registry and identity store.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/maychat/relay/internal/config"
	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/observability"
	"github.com/maychat/relay/internal/relay"
	"github.com/maychat/relay/internal/server"
	"github.com/maychat/relay/internal/storage"
	"github.com/maychat/relay/internal/transport"
)

const (
	healthInterval = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	seedPath := flag.String("seed", "", "optional YAML file of accounts to create at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay",
		zap.String("tcp_addr", cfg.Relay.Addr()),
		zap.String("database_driver", cfg.Database.Driver),
	)

	ctx := context.Background()
	dbStart := time.Now()
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("opening identity store", zap.Error(err))
	}
	logger.Info("identity store ready",
		zap.String("driver", cfg.Database.Driver),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	if *seedPath != "" {
		users, err := identity.LoadSeedFile(*seedPath)
		if err != nil {
			logger.Fatal("loading seed file", zap.Error(err))
		}
		created, err := identity.Seed(ctx, store, users)
		if err != nil {
			logger.Fatal("seeding accounts", zap.Error(err))
		}
		logger.Info("accounts seeded",
			zap.String("file", *seedPath),
			zap.Int("created", created),
			zap.Int("listed", len(users)),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	registry := relay.NewRegistry(logger, metrics)
	handler := relay.NewHandler(store, registry, cfg.Relay.AuthTimeout, logger, metrics)
	pool := transport.NewPool(cfg.Relay.Workers)
	acceptor := transport.NewAcceptor(cfg.Relay, handler, pool, logger, metrics)

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("store", storeService(ctx, store, registry, logger))

	if cfg.Metrics.Enabled {
		lifecycle.Add("metrics", metricsService(cfg.Metrics, reg, logger))
	}

	lifecycle.Add("tcp", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Relay.WebSocketPort != 0 {
		ws := transport.NewWebSocketServer(cfg.Relay, handler, pool, logger, metrics)
		lifecycle.Add("websocket", &server.FuncService{
			StartFn: ws.ListenAndServe,
			StopFn:  ws.Stop,
		})
	}

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("workers", pool.Size()),
		zap.Bool("websocket", cfg.Relay.WebSocketPort != 0),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// storeService health-checks the identity store until stopped. Stop closes any
// sessions still registered, then the store.
func storeService(ctx context.Context, store storage.Backend, registry *relay.Registry, logger *zap.Logger) server.Service {
	quit := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-quit:
					return nil
				case <-ticker.C:
					if err := store.Health(ctx, healthTimeout); err != nil {
						logger.Warn("identity store health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func() {
			close(quit)
			registry.CloseAll()
			if err := store.Close(); err != nil {
				logger.Warn("closing identity store", zap.Error(err))
			}
		},
	}
}

func metricsService(cfg config.MetricsConfig, g prometheus.Gatherer, logger *zap.Logger) server.Service {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, observability.MetricsHandler(g))
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &server.FuncService{
		StartFn: func() error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("metrics listening",
				zap.String("addr", ln.Addr().String()),
				zap.String("path", cfg.Path),
			)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("metrics shutdown", zap.Error(err))
			}
		},
	}
}
