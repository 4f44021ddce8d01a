// Relay entry point: the signaling server plus its operational HTTP surface
// (health, stats, Prometheus metrics).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"teamcast/internal/core/services"
	"teamcast/internal/infrastructure/middleware"
	"teamcast/internal/infrastructure/monitoring"
	"teamcast/internal/infrastructure/signal"
	"teamcast/pkg/config"
	"teamcast/pkg/logger"
	"teamcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	sugar := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		sugar.Fatalw("failed to initialize tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)
	registry := signal.NewRegistry()

	var tokens services.TokenService
	if cfg.Auth.Enabled {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}

	srv := signal.NewServer(cfg, registry, collector, tokens, zlog)
	go srv.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	if cfg.RateLimiting.Enabled {
		router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	}

	router.GET("/ws", gin.WrapF(srv.HandleWebSocket))
	router.GET("/health", gin.WrapF(srv.HandleHealth))
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	stats := router.Group("/")
	if tokens != nil {
		stats.Use(middleware.AuthMiddleware(tokens))
	}
	stats.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Stats())
	})

	httpSrv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	go func() {
		sugar.Infow("relay listening", "address", cfg.Relay.Address)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("relay server failed", "error", err)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("shutdown incomplete", "error", err)
	}
}
