package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strings"

	"alertmonitor/internal/cache"
	"alertmonitor/internal/config"
	"alertmonitor/internal/database"
	"alertmonitor/internal/handlers"
	"alertmonitor/internal/localstore"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/notify"
	"alertmonitor/internal/store"
	"alertmonitor/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	port := flag.String("port", "8081", "Port for alerts service")
	instance := flag.String("instance", "gateway-1", "Instance ID for this server")
	flag.Parse()

	logger.InitLogger()
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr)

	backend, err := selectBackend(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize alert storage", zap.Error(err))
	}

	// Mutation outcomes from the HTTP surface go out as toasts on the
	// same channel the SSE stream serves.
	toasts := notify.NewDispatcher(notify.NewRedisSink(), notify.NewLogSink())
	alertStore := store.New(backend, toasts)
	handlers.Init(alertStore)

	handlers.InitSSE()

	shutdown, err := tracing.InitTracer()
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx := context.Background()
		if err := shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Setup routes
	mux := http.NewServeMux()

	// SSE endpoint for real-time notifications
	mux.HandleFunc("/alerts/stream", handlers.StreamEventsHandler)

	mux.Handle("/metrics", promhttp.Handler())

	// Handler for all alert operations
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		handlers.AlertsHandler(w, r, *instance)
	})

	// Handler for alert operations with ID
	mux.HandleFunc("/alerts/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/alerts/") {
			handlers.AlertsHandler(w, r, *instance)
		} else {
			http.NotFound(w, r)
		}
	})

	logger.Log.Info("Alerts service starting on", zap.String("port", *port))
	log.Fatal(http.ListenAndServe(":"+*port, mux))
}

// selectBackend picks Postgres when a database is configured, otherwise
// the local document store.
func selectBackend(cfg config.Config) (store.Backend, error) {
	if cfg.DatabaseURL != "" {
		if err := database.InitDB(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return store.NewPostgresBackend(), nil
	}

	doc, err := localstore.New(cfg.StorePath, cfg.StoreKeyHex)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Using local document store",
		zap.String("path", cfg.StorePath),
		zap.Bool("encrypted", cfg.StoreKeyHex != ""),
	)
	return store.NewFileBackend(doc), nil
}
