package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundpricer/config"
	"fundpricer/internal/app"
	"fundpricer/internal/logger"
	"fundpricer/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[pricer-worker] %v", err)
	}
	lg := logger.Init("pricer-worker", logger.ParseLevel(cfg.LogLevel))

	a, err := app.New(cfg, lg, nil)
	if err != nil {
		log.Fatalf("[pricer-worker] init failed: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	a.StartHealth(ctx, 10*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, a.Health())
	metricsSrv.Start()

	// jobs on the memory bus never leave this process, so it serves the API too
	var apiSrv *http.Server
	if a.InProcess() {
		apiSrv = &http.Server{Addr: cfg.APIAddr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			lg.Info("api listening", "addr", cfg.APIAddr)
			if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				lg.Error("api server failed", "error", err)
				cancel()
			}
		}()
	}

	lg.Info("worker started", "bus", cfg.Bus, "store", cfg.StoreBackend, "workers", cfg.Workers)
	runErr := a.RunWorkers(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if apiSrv != nil {
		apiSrv.Shutdown(shutdownCtx)
	}
	metricsSrv.Stop(shutdownCtx)

	if runErr != nil {
		log.Fatalf("[pricer-worker] fatal: %v", runErr)
	}
	lg.Info("worker stopped")
}
