package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"signal-router/internal/api"
	"signal-router/internal/dispatch"
	"signal-router/internal/events"
	"signal-router/internal/gateway"
	"signal-router/internal/monitor"
	"signal-router/internal/notify"
	"signal-router/internal/pricecache"
	"signal-router/internal/reconcile"
	"signal-router/internal/registry"
	"signal-router/internal/seed"
	"signal-router/pkg/config"
	"signal-router/pkg/crypto"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Printf("[main] signal router %s starting on port %s", buildVersion, cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if dir := filepath.Dir(cfg.DBPath); dir != "." && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("db dir: %v", err)
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations: %v", err)
	}
	store := db.NewStore(database)

	// Credential encryption
	var keys *crypto.KeyManager
	if cfg.MasterKey != "" {
		keys, err = crypto.NewKeyManager(cfg.MasterKey, 1)
		if err != nil {
			log.Fatalf("master key: %v", err)
		}
	} else {
		log.Println("[main] MASTER_KEY not set; credentials are stored in plaintext")
	}

	// Bootstrap accounts and routing from YAML, when present
	if cfg.SeedPath != "" {
		if seedFile, err := seed.Load(cfg.SeedPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Fatalf("seed: %v", err)
			}
			log.Printf("[main] seed file %s not found, skipping bootstrap", cfg.SeedPath)
		} else if err := seed.Sync(ctx, store, keys, seedFile); err != nil {
			log.Fatalf("seed sync: %v", err)
		}
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	pool := gateway.NewPool(keys, cfg.UseMockExchange)

	// Instrument registry and price cache, warmed from the active accounts.
	// One public price stream per venue variant keeps the cache hot so sizing
	// rarely needs a synchronous fetch.
	reg := registry.New()
	prices := pricecache.New(cfg.PriceTTL, cfg.PriceStale)
	var gateways []exchange.Gateway
	accounts, err := store.ListActiveAccounts(ctx)
	if err != nil {
		log.Fatalf("accounts: %v", err)
	}
	streamed := make(map[string]bool)
	for i := range accounts {
		acct := &accounts[i]
		gw, err := pool.For(ctx, acct)
		if err != nil {
			log.Printf("[main] gateway for %s: %v", acct.ID, err)
			continue
		}
		gateways = append(gateways, gw)
		if err := reg.LoadFrom(ctx, gw); err != nil {
			log.Printf("[main] instruments %s: %v", gw.Name(), err)
		}

		variant := acct.Exchange + "|" + acct.Market
		if streamed[variant] {
			continue
		}
		streamed[variant] = true
		if err := prices.Warm(ctx, gw, nil); err != nil {
			log.Printf("[main] price warm %s: %v", gw.Name(), err)
		}
		market := exchange.MarketType(acct.Market)
		go func(gw exchange.Gateway, market exchange.MarketType) {
			symbols := reg.Symbols(gw.Name(), market)
			if len(symbols) == 0 {
				return
			}
			if err := prices.StreamFrom(ctx, gw, symbols); err != nil && ctx.Err() == nil {
				log.Printf("[main] price stream %s: %v", gw.Name(), err)
			}
		}(gw, market)
	}
	go reg.RunRefresh(ctx, gateways, cfg.RegistryRefresh)

	dispatcher := dispatch.New(store, pool, reg, prices, bus, metrics,
		cfg.DispatchFanout, cfg.MarketOrderTimeout, cfg.OrderTimeout)
	defer dispatcher.Stop()

	reconciler := reconcile.New(store, pool, bus, metrics, reconcile.Config{
		PollInterval:     cfg.PollInterval,
		CancelInterval:   cfg.CancelQueueInterval,
		SweepInterval:    cfg.SweepInterval,
		FeedRescan:       cfg.FeedRescan,
		OrphanTimeout:    cfg.OrphanTimeout,
		MaxCancelRetries: cfg.MaxCancelRetries,
		RebalanceEpsilon: cfg.RebalanceEpsilon,
	})
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[main] reconciler stopped: %v", err)
		}
	}()

	notifier := notify.NewService(notify.LogNotifier{}, bus, store, cfg.DailyReportHour)
	go notifier.Run(ctx)

	server := api.NewServer(store, dispatcher, reg, bus, metrics, api.SystemMeta{
		Version:     buildVersion,
		MockMode:    cfg.UseMockExchange,
		Testnet:     cfg.Testnet,
		StartedAt:   time.Now(),
		DBPath:      cfg.DBPath,
		WebhookPath: "/webhook",
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server: %v", err)
		}
	}()
	log.Printf("[main] webhook listening at :%s/webhook", cfg.Port)

	<-ctx.Done()
	log.Println("[main] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}
	bus.Close()
}
