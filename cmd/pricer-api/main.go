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

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[pricer-api] %v", err)
	}
	lg := logger.Init("pricer-api", logger.ParseLevel(cfg.LogLevel))

	a, err := app.New(cfg, lg, nil)
	if err != nil {
		log.Fatalf("[pricer-api] init failed: %v", err)
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

	srv := &http.Server{Addr: cfg.APIAddr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("api listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		a.Hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.RunEvents(gctx) })
	if a.InProcess() {
		// nobody else can consume the memory bus
		g.Go(func() error { return a.RunWorkers(gctx) })
	}

	err = g.Wait()

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	metricsSrv.Stop(stopCtx)

	if err != nil {
		log.Fatalf("[pricer-api] fatal: %v", err)
	}
	lg.Info("api stopped")
}
