package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/example/floor-segmenter/internal/config"
	"github.com/example/floor-segmenter/internal/floormask"
	"github.com/example/floor-segmenter/internal/grpcclient"
	"github.com/example/floor-segmenter/internal/handlers"
	"github.com/example/floor-segmenter/internal/logging"
	"github.com/example/floor-segmenter/internal/metrics"
	"github.com/example/floor-segmenter/internal/middleware"
	"github.com/example/floor-segmenter/internal/segmenter"
	"github.com/example/floor-segmenter/internal/usecase"
	"github.com/example/floor-segmenter/internal/wsclient"
)

// Set with -ldflags "-X main.version=... -X main.gitCommit=... -X main.buildTime=...".
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Model.DialTimeout+5*time.Second)
	defer cancel()

	model, err := loadModel(ctx, cfg, logger)
	if err != nil {
		if cfg.Model.Required {
			logger.Fatal("failed to load segmentation model", zap.Error(err))
		}
		logger.Error("segmentation model unavailable, serving without it", zap.Error(err))
	}
	if model != nil {
		defer model.Close()
	}

	cache := initCache(ctx, cfg.Cache, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	uc := usecase.NewFloorSegmentationUseCase(model, cache, usecase.Options{
		MaxConcurrent: cfg.Inference.MaxConcurrent,
		QueueTimeout:  cfg.Inference.QueueTimeout,
		CacheTTL:      cfg.Cache.TTL,
		ModelName:     cfg.Model.Name,
		Selector: floormask.Selector{
			Threshold:     floormask.DefaultThreshold,
			LowerHalfBias: cfg.Selector.LowerHalfBias,
		},
		Metrics: m,
	}, logger)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger), middleware.CORS())

	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Gatherer:     reg,
		Build:        handlers.BuildInfo{Version: version, GitCommit: gitCommit, BuildTime: buildTime},
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("floor segmentation API listening",
		zap.String("addr", cfg.Server.Port),
		zap.Bool("model_loaded", uc.ModelLoaded()),
		zap.String("version", version))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// loadModel dials the configured inference backend once at startup.
func loadModel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (segmenter.Model, error) {
	switch cfg.Model.Backend {
	case "grpc":
		client, err := grpcclient.DialSegmenter(ctx, grpcclient.Options{
			Addr:           cfg.Model.Addr,
			ModelName:      cfg.Model.Name,
			DialTimeout:    cfg.Model.DialTimeout,
			RequestTimeout: cfg.Model.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "websocket":
		client, err := wsclient.Dial(ctx, cfg.Model.Addr, cfg.Model.DialTimeout, cfg.Model.RequestTimeout, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
}

// initCache falls back to the in-memory cache when Redis is unreachable.
func initCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) usecase.Cache {
	memory := func() usecase.Cache {
		return usecase.NewMemoryCache(cfg.MemorySize, cfg.TTL)
	}

	switch cfg.Backend {
	case "none":
		logger.Info("result cache disabled")
		return nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis connection failed, using in-memory cache", zap.Error(err), zap.String("addr", cfg.RedisAddr))
			client.Close()
			return memory()
		}
		logger.Info("using redis result cache", zap.String("addr", cfg.RedisAddr))
		return usecase.NewRedisCache(client)
	default:
		logger.Info("using in-memory result cache", zap.Int("size", cfg.MemorySize))
		return memory()
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
