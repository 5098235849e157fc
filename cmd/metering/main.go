package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/plcloud/metering/internal/pkg/cache"
	"github.com/plcloud/metering/internal/pkg/config"
	"github.com/plcloud/metering/internal/pkg/consumer"
	"github.com/plcloud/metering/internal/pkg/database"
	"github.com/plcloud/metering/internal/pkg/env"
	"github.com/plcloud/metering/internal/pkg/ledger"
	"github.com/plcloud/metering/internal/pkg/notify"
	"github.com/plcloud/metering/internal/pkg/pricing"
	"github.com/plcloud/metering/internal/pkg/sweeper"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cfg := config.Load()
	repo := ledger.NewRepository(database.GetDB())
	resolver := pricing.NewResolver(repo, pricing.NewRegistry(), cfg.Strict)
	sink := notify.NewRedisSink(cache.GetClient())
	service := ledger.NewService(repo, resolver, sink, cfg)

	workers, _ := strconv.Atoi(env.GetEnv("CONSUMER_WORKERS", "3"))
	events := consumer.New(cache.GetClient(), service, cfg.EventQueue, workers)
	events.Start()

	sweeps := sweeper.New(service, sweeper.Config{
		ChargeInterval:  time.Duration(cfg.ChargeSeconds/2) * time.Second,
		ReleaseInterval: time.Hour,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := sweeps.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	log.Printf("metering daemon started (queue=%s, workers=%d)", cfg.EventQueue, workers)
	<-ctx.Done()

	sweeps.Stop()
	events.Stop()
	log.Printf("metering daemon stopped")
}
