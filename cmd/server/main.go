package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pierreribeiro/crypto-price-tracker/internal/aggregator"
	"github.com/pierreribeiro/crypto-price-tracker/internal/broker"
	"github.com/pierreribeiro/crypto-price-tracker/internal/cache"
	"github.com/pierreribeiro/crypto-price-tracker/internal/clients/coingecko"
	"github.com/pierreribeiro/crypto-price-tracker/internal/clients/coinmarketcap"
	"github.com/pierreribeiro/crypto-price-tracker/internal/config"
	"github.com/pierreribeiro/crypto-price-tracker/internal/database"
	"github.com/pierreribeiro/crypto-price-tracker/internal/events"
	"github.com/pierreribeiro/crypto-price-tracker/internal/scheduler"
	"github.com/pierreribeiro/crypto-price-tracker/internal/server"
	"github.com/pierreribeiro/crypto-price-tracker/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().
		Int("port", cfg.Port).
		Dur("refresh_interval", cfg.RefreshInterval).
		Str("data_dir", cfg.DataDir).
		Msg("Starting crypto price tracker")

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "cache.db"),
		Name: "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer db.Close()

	store, err := cache.NewStore(db.Conn(), cfg.QuoteTTL, cfg.TrendTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache store")
	}

	bus := events.NewBus(log)

	primary := coingecko.NewClient(cfg.CoinGeckoBaseURL, cfg.CoinGeckoAPIKey, log)
	secondary := coinmarketcap.NewClient(cfg.CoinMarketCapBaseURL, cfg.CoinMarketCapAPIKey, log)

	agg := aggregator.New(primary, secondary, store, bus, log)
	brk := broker.New(store, agg, bus, cfg.RefreshInterval, log)

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Store:   store,
		Agg:     agg,
		Broker:  brk,
	})

	sched := scheduler.New(log)
	refreshJob := &scheduler.RefreshJob{Agg: agg}
	if err := sched.AddJob(scheduler.EverySchedule(cfg.RefreshInterval), refreshJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register refresh job")
	}
	if err := sched.AddJob("@hourly", &scheduler.TrendSnapshotJob{Store: store, Log: log}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register trend snapshot job")
	}
	if err := sched.AddJob("0 0 3 * * *", &scheduler.CleanupJob{Store: store, Log: log}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cleanup job")
	}

	// Prime the cache before accepting traffic. A failed first cycle is not
	// fatal: the scheduler keeps trying and clients see degraded state.
	if err := sched.RunNow(refreshJob); err != nil {
		log.Warn().Err(err).Msg("Initial refresh failed, starting degraded")
	}

	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutdown signal received")

		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}
