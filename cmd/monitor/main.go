package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"alertmonitor/internal/alerts"
	"alertmonitor/internal/cache"
	"alertmonitor/internal/config"
	"alertmonitor/internal/database"
	"alertmonitor/internal/localstore"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/marketdata"
	"alertmonitor/internal/monitor"
	"alertmonitor/internal/notify"
	"alertmonitor/internal/store"
	"alertmonitor/internal/tracing"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	port := flag.String("port", "8082", "Port for monitor metrics/health")
	flag.Parse()

	logger.InitLogger()
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr)

	shutdown, err := tracing.InitTracer()
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	backend, err := selectBackend(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize alert storage", zap.Error(err))
	}

	// Delivery sinks: Redis feeds the SSE stream, Kafka feeds downstream
	// notification consumers, the log sink is always on.
	sinks := []notify.Sink{notify.NewRedisSink(), notify.NewLogSink()}
	kafkaSink, err := notify.NewKafkaSink(cfg.KafkaBroker, "alerts.triggered")
	if err != nil {
		logger.Log.Warn("Kafka sink unavailable, continuing without it", zap.Error(err))
	} else {
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	dispatcher := notify.NewDispatcher(sinks...)

	alertStore := store.New(backend, dispatcher)

	// Shared API quota across monitor instances rides on Redis.
	limiter := redis_rate.NewLimiter(cache.RedisClient)
	client := marketdata.NewClient(
		marketdata.WithRedisQuota(limiter, "market_api", 10),
	)
	source := marketdata.NewSource(client, cfg.MarketBaseURL)

	cooldowns := alerts.NewCooldowns(cfg.DefaultCooldown)

	mon := monitor.New(monitor.Config{
		BaseInterval: cfg.BaseInterval,
		FastInterval: cfg.FastInterval,
		SlowInterval: cfg.SlowInterval,
		KafkaBroker:  cfg.KafkaBroker,
	}, alertStore, source, cooldowns, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := mon.State()
		if state == monitor.StateStopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(string(state)))
	})
	go func() {
		logger.Log.Info("Monitor service starting on", zap.String("port", *port))
		if err := http.ListenAndServe(":"+*port, mux); err != nil {
			logger.Log.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Log.Info("Shutting down monitor")
	mon.Stop()
}

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
