// Command brokerd hosts a brokered-service container as a standalone
// process: it loads configuration, wires the container's chaos policy
// and diagnostics export, and blocks until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/svchub/broker/internal/broker"
	"github.com/svchub/broker/pkg/config"
	"github.com/svchub/broker/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("brokerd: " + err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		println("brokerd: " + err.Error())
		os.Exit(1)
	}

	logger.SetDefault(logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}))

	container := broker.NewContainer(broker.ContainerOptions{
		ResolveCacheSize:  cfg.ResolveCacheSize,
		KeepaliveSchedule: cfg.KeepaliveSchedule,
		ProfferingPackage: "brokerd",
		MetricsRegisterer: prometheus.DefaultRegisterer,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("brokerd: shutdown: %v", err)
		}
	}()

	if cfg.ChaosPolicyPath != "" {
		if err := container.ApplyChaosPolicy(cfg.ChaosPolicyPath, cfg.ChaosPolicyWatch); err != nil {
			logger.Errorf("brokerd: chaos policy: %v", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	container.RegisterDiagnosticsRoute(engine, cfg.DiagnosticsPath)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: cfg.DiagnosticsAddr, Handler: engine}
	go func() {
		logger.Infof("brokerd: diagnostics listening on %s%s", cfg.DiagnosticsAddr, cfg.DiagnosticsPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("brokerd: diagnostics server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Infof("brokerd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("brokerd: diagnostics server shutdown: %v", err)
	}
}
