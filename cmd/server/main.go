package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/filaflow/queue-engine/config"
	"github.com/filaflow/queue-engine/internal/engine"
	infraRedis "github.com/filaflow/queue-engine/internal/infra/redis"
	"github.com/filaflow/queue-engine/internal/kafka"
	"github.com/filaflow/queue-engine/internal/metrics"
	"github.com/filaflow/queue-engine/internal/notify"
	repo "github.com/filaflow/queue-engine/internal/repository/redis"
	"github.com/filaflow/queue-engine/internal/schedule"
	"github.com/filaflow/queue-engine/internal/store"
	"github.com/filaflow/queue-engine/internal/sweep"
	"github.com/filaflow/queue-engine/internal/waittime"
	pkgKafka "github.com/filaflow/queue-engine/pkg/kafka"
	pkgLog "github.com/filaflow/queue-engine/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	redisCli, err := infraRedis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer infraRedis.Disconnect(redisCli)

	// Audit/event emitter
	var prod kafka.Producer
	if cfg.Kafka.Enabled {
		kafkaSyncProd, err := pkgKafka.NewProducer(pkgKafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			RetryMax:     cfg.Kafka.ProducerRetryMax,
			RequiredAcks: cfg.Kafka.ProducerRequiredAcks,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka producer: %v", err)
		}
		prod = kafka.NewProducer(kafkaSyncProd, l)
		defer prod.Close()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st := store.New()
	resolver := schedule.NewResolver(l)

	// The real wait-time predictor is an external oracle wired by the
	// deployment; without one the estimator falls back to queue
	// averages.
	estimator := waittime.NewEstimator(nil, resolver, cfg.Dispatch.DefaultWaitEstimate, l)

	notifier := notify.NewLogNotifier(l)
	cache := repo.NewRedisNotificationCache(redisCli, l)

	eng := engine.New(st, resolver, estimator, prod, notifier, m, cfg.Dispatch, []byte(cfg.JWT.Secret), l)

	sweeper := sweep.New(st, resolver, estimator, cache, notifier, prod, m, cfg.Dispatch, l)
	if err := sweeper.Start(ctx); err != nil {
		l.Fatalf(ctx, "Failed to start sweeper: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	// Read-only introspection for operators; the domain API proper is
	// served by the transport layer wired around this engine.
	r.Get("/queues/{queueID}", func(w http.ResponseWriter, req *http.Request) {
		snap, err := eng.QueueSnapshot(chi.URLParam(req, "queueID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})
	r.Get("/sweep/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sweeper.GetStatus())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Infof(ctx, "ops server listening on port %d", cfg.Server.OpsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-gctx.Done():
		case sig := <-quit:
			l.Infof(ctx, "received signal %s, shutting down", sig)
		}

		if err := sweeper.Stop(); err != nil {
			l.Warnf(ctx, "sweeper stop: %v", err)
		}
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		l.Fatalf(ctx, "server error: %v", err)
	}

	l.Infof(ctx, "shutdown complete")
}
