package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vocetra/internal/core/ports"
	"vocetra/internal/core/services"
	httphandlers "vocetra/internal/handlers/http"
	enginememory "vocetra/internal/infrastructure/engine/memory"
	"vocetra/internal/infrastructure/middleware"
	"vocetra/internal/infrastructure/monitoring"
	"vocetra/internal/infrastructure/signal"
	"vocetra/pkg/config"
	"vocetra/pkg/logger"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	eng := enginememory.NewEngine(log)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := services.NewWorkerManager(bootCtx, eng, cfg, metrics, log)
	bootCancel()
	if err != nil {
		log.Fatalw("failed to start worker pool", "error", err)
	}
	defer pool.Close()

	if cfg.Monitoring.PrometheusEnabled {
		prometheus.MustRegister(monitoring.NewWorkerStatsCollector(pool))
	}

	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// The gateway is both the inbound surface and the Signaler the
	// services push through, so it is built before them and gets the call
	// facade injected afterwards.
	gateway := signal.NewGateway(cfg, auth, metrics, log)
	arbiter := services.NewSpeakerArbiter(gateway, cfg, metrics, log)
	rooms := services.NewRoomRegistry(pool, arbiter, cfg, metrics, log)
	negotiator := services.NewTransportNegotiator(pool, cfg, log)
	media := services.NewMediaController(arbiter, log)
	callSvc := services.NewCallService(rooms, negotiator, media, arbiter, pool, cfg, metrics, log)
	gateway.SetOperations(callSvc)

	health := monitoring.NewHealthChecker()
	health.AddWorkerPoolCheck(pool, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	admin := httphandlers.NewAdminHandler(auth, pool, rooms, health)
	admin.SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	adminSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", gateway.HandleWebSocket)
	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("starting admin server", "address", cfg.Server.Address)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infow("starting signaling server", "address", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("signaling server shutdown failed", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("admin server shutdown failed", "error", err)
	}
	log.Info("server stopped")
}
