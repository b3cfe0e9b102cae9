package main

import (
	"context"
	"log"
	"os"

	"github.com/pbulloch/swaprouter/internal/api"
	"github.com/pbulloch/swaprouter/internal/config"
	"github.com/pbulloch/swaprouter/internal/engine"
	"github.com/pbulloch/swaprouter/internal/store"
	"github.com/pbulloch/swaprouter/internal/venue"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("swaprouter: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_workers", cfg.MaxWorkers,
		"max_retries", cfg.MaxRetries,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	orders := store.NewOrderStore(db, store.NewMemoryCache(), cfg.CacheTTL, logger)

	venues := venue.DefaultVenues()
	eng := engine.New(orders, db, venue.NewAggregator(venues), venue.NewSimExecutor(venues, 0), engine.Config{
		MaxWorkers:   cfg.MaxWorkers,
		MaxRetries:   cfg.MaxRetries,
		OrderTimeout: cfg.OrderTimeout,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()

	srv := api.NewServer(cfg.ListenAddr, orders, eng, logger)

	if err := srv.Run(); err != nil {
		cancel()
		<-engineDone
		log.Fatalf("server error: %v", err)
	}

	// Drain in-flight jobs before exiting.
	cancel()
	<-engineDone
	logger.Info("swaprouter: stopped")
}
