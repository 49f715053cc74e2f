package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"box-office/internal/config"
	"box-office/internal/jobs"
	"box-office/internal/models"
	"box-office/internal/payments"
	"box-office/internal/scheduler"
	"box-office/internal/store"
	"box-office/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	providers := map[string]payments.Provider{
		models.ProviderMollie: payments.NewMollieClient(cfg.MollieAPIKey, cfg.MollieAPIURL),
		models.ProviderMock:   payments.NewMockProvider(redisClient, cfg.PublicBaseURL),
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	dispatcher := jobs.NewDispatcher(cfg, st, workerID, log)
	handlers := payments.NewHandlers(cfg, st, providers, log)
	handlers.Register(dispatcher)

	sched := scheduler.New(st, scheduler.DefaultEntries(), log)
	go sched.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Duration("reclaim_after", cfg.JobReclaimAfter),
		zap.Bool("mock_payments", cfg.MockPayments))
	if err := dispatcher.Run(ctx); err != nil {
		log.Info("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "prod" {
		log, _ := zap.NewProduction()
		return log
	}
	log, _ := zap.NewDevelopment()
	return log
}
