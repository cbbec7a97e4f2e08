// Command vivarium-server runs the vivarium record-keeping HTTP API.
package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vivarium/internal/adapters/reports"
	"vivarium/internal/adapters/requests"
	"vivarium/internal/blob"
	"vivarium/internal/core"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, err := core.OpenPersistentStore(core.NewDefaultRulesEngine())
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		logger.Error("register metrics", "error", err)
		os.Exit(1)
	}

	service := core.NewService(store,
		core.WithLogger(core.SlogLogger(logger)),
		core.WithMetrics(promMetrics),
	)

	ctx := context.Background()
	blobStore, err := blob.Open(ctx)
	if err != nil {
		logger.Error("open blob store", "error", err)
		os.Exit(1)
	}

	exporter := reports.NewWorker(service, blobStore, nil)
	exporter.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := exporter.Stop(stopCtx); err != nil {
			logger.Warn("exporter stop", "error", err)
		}
	}()

	handler := requests.NewHandler(service)
	handler.Exports = exporter

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := os.Getenv("VIVARIUM_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr, "storage", os.Getenv("VIVARIUM_STORAGE_DRIVER"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
