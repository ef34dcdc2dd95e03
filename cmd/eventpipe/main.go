package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventpipe/internal/api"
	"eventpipe/internal/broker"
	"eventpipe/internal/bus"
	"eventpipe/internal/config"
	"eventpipe/internal/dispatcher"
	kafkaInfra "eventpipe/internal/infrastructure/kafka"
	redisInfra "eventpipe/internal/infrastructure/redis"
	"eventpipe/internal/monitor"
	"eventpipe/internal/replay"
	"eventpipe/internal/store"
	"eventpipe/internal/store/redisstore"
)

func main() {
	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Redis-backed store. Unreachable redis degrades delivery to
	// bus-only rather than refusing to start.
	var st store.Store
	redisClient, err := redisInfra.NewClient(ctx, redisInfra.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("redis unavailable, running bus-only", "error", err)
	} else {
		defer redisClient.Close()
		st = redisstore.New(redisClient)
	}

	var pub broker.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafkaInfra.NewProducer(kafkaInfra.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		defer producer.Close()
		pub = producer
	}

	eventBus := bus.New(logger)
	disp := dispatcher.New(eventBus, st, pub, logger)
	mon := monitor.New(st, eventBus, logger, monitor.Config{
		HealthInterval:  cfg.Monitor.HealthInterval,
		MetricsInterval: cfg.Monitor.MetricsInterval,
		ReportInterval:  cfg.Monitor.ReportInterval,
	})
	engine := replay.New(st, disp, eventBus, logger)

	go func() {
		if err := mon.Run(ctx); err != nil {
			logger.Error("queue monitor stopped with error", "error", err)
		}
	}()

	// Periodic trigger moving due delayed events onto their active queues.
	go func() {
		ticker := time.NewTicker(cfg.Events.DelayedInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := disp.ProcessDelayedEvents(ctx); err != nil {
					logger.Error("failed to process delayed events", "error", err)
				}
			}
		}
	}()

	handlers := api.NewHandlers(disp, mon, engine, logger)
	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: api.NewRouter(handlers),
	}

	go func() {
		logger.Info("Server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("Server exiting")
}
