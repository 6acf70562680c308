package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/papertrade/internal/api"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/cache"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/db/memstore"
	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/market"
	"github.com/xtrntr/papertrade/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// store is what both the postgres and the in-memory backends provide
type store interface {
	ledger.Store
	auth.UserStore
}

// Main entry point: loads config, wires the services and serves HTTP until
// SIGINT or SIGTERM.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("Using in-memory storage, data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Postgres.ConnString())
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close(ctx)
		return nil, nil, err
	}
	logger.Info("Connected to postgres", zap.String("host", cfg.Postgres.Host), zap.String("db", cfg.Postgres.DB))
	return database, func() { database.Close(context.Background()) }, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	seed := cfg.Market.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	registry := market.NewRegistry(market.NewSimulator(market.NewRand(seed)))

	// Optional redis snapshot cache
	var quotes api.QuoteSource = registry
	var snapshots market.SnapshotPublisher
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		snapCache := cache.NewSnapshotCache(rdb, registry, logger)
		defer snapCache.Close()
		quotes, snapshots = snapCache, snapCache
		logger.Info("Snapshot cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Optional kafka trade events
	var trades ledger.TradePublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewTradePublisher(events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		defer publisher.Close()
		trades = publisher
		logger.Info("Trade events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	hub := market.NewHub(registry, cfg.Market.TickInterval, snapshots, logger)
	streams := stream.NewServer(hub, cfg.App.AllowedOrigins, logger)

	authService := auth.NewAuthService(st, cfg.Auth.SecretKey, cfg.Auth.TokenTTL)
	l := ledger.NewLedger(st, trades, logger)
	handler := api.NewHandler(authService, l, quotes, streams, cfg.Market.DefaultSymbol, logger)

	srv := &http.Server{
		Addr:              cfg.App.Port,
		Handler:           api.NewRouter(handler, cfg.App.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", zap.String("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server
		if err := streams.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Stream sessions did not finish in time", zap.Error(err))
		}
		hub.Close()
		err := srv.Shutdown(shutdownCtx)

		// trade events still in flight go out before the publisher closes
		l.Wait()
		return err
	})

	return g.Wait()
}
