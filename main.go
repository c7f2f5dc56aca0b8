package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krakenbot/config"
	"krakenbot/internal/api"
	"krakenbot/internal/auth"
	"krakenbot/internal/cache"
	"krakenbot/internal/database"
	"krakenbot/internal/engine"
	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/logging"
	"krakenbot/internal/metrics"
	"krakenbot/internal/notification"
	"krakenbot/internal/scorer"
	"krakenbot/internal/tradesync"
	"krakenbot/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "config file (yaml or json); defaults to $KRAKENBOT_CONFIG or config.yaml")
	issueRole := flag.String("issue-token", "", "print an API token for the given role (admin|viewer) and exit")
	subject := flag.String("subject", "operator", "subject of the issued token")
	flag.Parse()

	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logCfg := cfg.Logging
	logCfg.Component = "main"
	logger := logging.New(&logCfg)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Vault.Enabled {
		vc, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal("Failed to create vault client", "error", err)
		}
		if err := vc.Apply(ctx, cfg); err != nil {
			logger.Fatal("Failed to load secrets from vault", "error", err)
		}
	}

	if *issueRole != "" {
		if cfg.API.JWTSecret == "" {
			logger.Fatal("Cannot issue token without api.jwt_secret")
		}
		token, err := auth.NewJWTManager(cfg.API.JWTSecret, cfg.API.TokenTTL).GenerateAccessToken(*subject, *issueRole)
		if err != nil {
			logger.Fatal("Failed to issue token", "error", err)
		}
		fmt.Println(token)
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Shutting down on error", "error", err)
	}
	logger.Info("Shutdown complete")
}

// stateStore is what both the engine and the trade sync persist into.
type stateStore interface {
	engine.Store
	tradesync.CursorStore
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if !cfg.Engine.DryRun {
		return errors.New("live trading needs an exchange adapter; only the paper venue is built in (set engine.dry_run)")
	}

	// Storage
	var (
		store  stateStore
		health api.HealthChecker
	)
	if cfg.Database.Enabled {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		repo := database.NewRepository(db)
		store, health = repo, repo
	} else {
		logger.Warn("Database disabled, state is kept in memory only")
		store = database.NewMemoryStore()
	}

	var c cache.Cache = cache.NewMemoryCache()
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, using in-memory cache", "error", err)
		} else {
			defer rc.Close()
			c = rc
		}
	}

	// Venue
	paperCfg := exchange.DefaultPaperConfig(cfg.Engine.PaperBalance)
	paperCfg.Name = cfg.Engine.Exchange
	paperCfg.Seed = time.Now().UnixNano()
	venue := exchange.WithTimeout(exchange.NewPaperClient(paperCfg), cfg.Engine.CallTimeout)
	logger.Info("Paper venue ready", "exchange", venue.Name(), "balance_usd", cfg.Engine.PaperBalance)

	// Events
	bus := events.NewEventBus()
	if cfg.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		sink.Attach(bus)
		go sink.Run(ctx)
	}

	rec := metrics.New()
	notifier := notification.FromConfig(cfg.Notification)
	defer notifier.Wait()

	var sc scorer.Scorer = scorer.Neutral{}
	if cfg.Scorer.Enabled {
		sc = scorer.NewExecScorer(cfg.Scorer)
	}

	eng, err := engine.New(engine.Deps{
		Config:   cfg,
		Client:   venue,
		Store:    store,
		Cache:    c,
		Scorer:   sc,
		Bus:      bus,
		Notifier: notifier,
		Metrics:  rec,
	})
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("restore lots: %w", err)
	}

	var syncer *tradesync.Scheduler
	if cfg.Sync.Enabled {
		syncer = tradesync.NewScheduler(cfg.Sync, map[string]exchange.Client{venue.Name(): venue}, store, eng, bus, rec)
		if err := syncer.Start(); err != nil {
			return err
		}
		defer syncer.Stop()
	}

	var server *api.Server
	if cfg.API.Enabled {
		sconf := api.ServerConfig{API: cfg.API, Engine: eng, Bus: bus, Metrics: rec}
		if health != nil {
			sconf.Health = health
		}
		if syncer != nil {
			sconf.Sync = syncer
		}
		server, err = api.NewServer(sconf)
		if err != nil {
			return err
		}
		logger.Infof("API listening on %s:%d", cfg.API.Host, cfg.API.Port)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	err = eng.Run(ctx)
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Error("API shutdown failed", "error", serr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
