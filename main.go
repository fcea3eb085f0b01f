package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-core/internal/api"
	"signal-core/internal/cycle"
	"signal-core/internal/eligibility"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/notify"
	"signal-core/internal/portfolio"
	"signal-core/internal/signals"
	"signal-core/internal/trade"
	"signal-core/internal/window"
	"signal-core/pkg/cache"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/feed"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("signal-core starting on port %s, db %s", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("key manager init failed (set MASTER_ENCRYPTION_KEY): %v", err)
	}

	profiles, err := eligibility.LoadProfiles(cfg.RiskProfilePath)
	if err != nil {
		log.Fatalf("risk profiles load failed: %v", err)
	}

	// Ingestion
	feedClient := feed.NewClient(cfg.FeedURL, cfg.FeedTimeout)
	signalSvc := signals.NewService(feedClient, database, bus, signals.Config{
		Window:      cfg.SignalWindow,
		CacheTTL:    cfg.FeedCacheTTL,
		RiskDataTTL: cfg.RiskDataCacheTTL,
	})

	// Exchange plumbing
	pool := gateway.NewPool(database, keys, cfg.ExchangeTimeout, cfg.BinanceTestnet)
	prices := cache.NewPriceCache(cfg.PriceCacheMaxAge, time.Now)
	portfolioSvc := portfolio.NewService(database, pool, prices, bus, cfg.PortfolioPollInterval)

	// Execution
	filter := eligibility.NewFilter(database, profiles, time.Now)
	cycles := cycle.NewManager(database, bus)
	sink := &notify.BusSink{Bus: bus}
	orchestrator := trade.NewOrchestrator(database, pool, portfolioSvc, cycles, profiles, sink, bus)
	windows := window.NewManager(database, signalSvc, orchestrator, time.Now)
	sweeper := window.NewSweeper(database, filter, orchestrator, bus, cfg.SweepInterval, cfg.SweepEnabled)

	// Background loops
	portfolioSvc.Start(ctx)
	sweeper.Start(ctx)

	// API
	server := api.NewServer(api.Deps{
		Bus:       bus,
		DB:        database,
		Signals:   signalSvc,
		Filter:    filter,
		Windows:   windows,
		Sweeper:   sweeper,
		Portfolio: portfolioSvc,
		Trades:    orchestrator,
		Gateways:  pool,
		Keys:      keys,
		JWTSecret: cfg.JWTSecret,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
