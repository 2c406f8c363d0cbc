// cmd/notifyd/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-engine/internal/common/config"
	"notification-engine/internal/common/database"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/common/observability"
	"notification-engine/internal/dispatch"
	"notification-engine/internal/push"
	"notification-engine/internal/scheduler"
	"notification-engine/internal/store"
	"notification-engine/internal/template"
	"notification-engine/internal/whatsapp"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting notification engine...")

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgresClient(&cfg.Database.Postgres, log)
		return err
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedisClient(&cfg.Database.Redis, log)
		return err
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		// Redis only backs cross-instance dispatch marks; run without it.
		zapLog.Warn("redis unavailable, continuing without dispatch marks", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// --- Wire the engine ---
	st := store.NewPostgres(pg.DB)
	templates := template.NewService(st, log)
	waAdapter := whatsapp.NewAdapter(&cfg.WhatsApp, st, log)
	pushAdapter := push.NewAdapter(&cfg.Push, st, log)

	dispatcherOpts := []dispatch.Option{
		dispatch.WithObservability(obs),
		dispatch.WithMaxRetries(cfg.Queue.MaxRetries),
	}
	if rdb != nil {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithRedis(rdb))
	}
	dispatcher := dispatch.NewDispatcher(st, templates, waAdapter, pushAdapter, log, dispatcherOpts...)

	webhookHandler := whatsapp.NewWebhookHandler(st, dispatcher, log)

	directory := scheduler.NewStoreDirectory(st)
	sched := scheduler.NewService(st, dispatcher, directory, cfg.Scheduler.ReminderDays, log)
	if err := sched.Start(ctx); err != nil {
		zapLog.Fatal("scheduler start failed", zap.Error(err))
	}

	// --- Periodic sweeps ---
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	go runSweep(sweepCtx, cfg.Queue.SweepInterval, log, "queue", func(ctx context.Context) error {
		_, err := dispatcher.ProcessQueue(ctx)
		return err
	})
	go runSweep(sweepCtx, cfg.Queue.RetryInterval, log, "retry", func(ctx context.Context) error {
		_, err := dispatcher.RetryFailed(ctx)
		return err
	})
	go runSweep(sweepCtx, cfg.Scheduler.SweepInterval, log, "jobs", func(ctx context.Context) error {
		_, err := sched.RunDueJobs(ctx)
		return err
	})
	go runSweep(sweepCtx, 24*time.Hour, log, "cleanup", func(ctx context.Context) error {
		_, err := dispatcher.Cleanup(ctx, cfg.Queue.RetentionDays)
		return err
	})

	// --- HTTP surface ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":   "ok",
			"postgres": pg.HealthCheck(r.Context()),
		}
		if rdb != nil {
			health["redis"] = rdb.HealthCheck(r.Context())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/webhooks/whatsapp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// The platform retries on non-2xx; processing errors are logged
		// and acknowledged so it does not hammer us with redeliveries.
		if err := webhookHandler.HandleWebhook(r.Context(), body); err != nil {
			log.Warn("webhook rejected", map[string]interface{}{"error": err.Error()})
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    cfg.App.ListenAddr,
		Handler: mux,
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("addr", cfg.App.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	stopSweeps()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("http shutdown error", zap.Error(err))
	}

	zapLog.Info("Notification engine stopped")
}

// runSweep drives one periodic maintenance task until the context ends.
func runSweep(ctx context.Context, interval time.Duration, log logger.Logger, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error("sweep failed", map[string]interface{}{
					"sweep": name,
					"error": err.Error(),
				})
			}
		}
	}
}
