package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/entitled/internal/api"
	"github.com/rcourtman/entitled/internal/catalog"
	"github.com/rcourtman/entitled/internal/config"
	"github.com/rcourtman/entitled/internal/entitlement"
	"github.com/rcourtman/entitled/internal/journal"
	"github.com/rcourtman/entitled/internal/logging"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rcourtman/entitled/internal/storefront/remote"
	"github.com/rcourtman/entitled/internal/storefront/storetest"
	"github.com/rcourtman/entitled/internal/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	statusTimeout   = 10 * time.Second
	snapshotBuffer  = 8
)

func runServer() {
	// Initialize logger with baseline defaults for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitled",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitled",
	})

	log.Info().Str("version", Version).Msg("Starting entitled daemon")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tiers := buildCatalog(cfg)
	client, groupID := buildClient(cfg)

	var ledger *journal.Store
	if cfg.JournalEnabled {
		ledger, err = journal.Open(cfg.JournalPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.JournalPath).Msg("Journal unavailable, transactions will not be recorded")
			ledger = nil
		}
	}

	store, err := entitlement.New(entitlement.Config{
		Client:  client,
		Catalog: tiers,
		GroupID: groupID,
		Journal: ledger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build entitlement store")
	}

	hub := websocket.NewHub(store.Snapshot)

	g, ctx := errgroup.WithContext(ctx)

	if addr := cfg.MetricsAddr(); addr != "" {
		startMetricsServer(ctx, addr)
	}

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	// Push entitlement changes to connected clients. The status description
	// is re-resolved only when someone is listening.
	snaps, stopWatch := store.Watch(snapshotBuffer)
	defer stopWatch()
	g.Go(func() error {
		for {
			select {
			case snap, ok := <-snaps:
				if !ok {
					return nil
				}
				hub.BroadcastSnapshot(snap)
				if hub.ClientCount() == 0 {
					continue
				}
				statusCtx, statusCancel := context.WithTimeout(ctx, statusTimeout)
				_, _, description := store.ResolveStatus(statusCtx)
				statusCancel()
				if description != "" {
					hub.BroadcastStatus(description)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	store.Start(ctx)

	// Catalog hot reload: file watcher plus SIGHUP for forced reloads
	catalogWatcher, err := catalog.NewWatcher(cfg.CatalogPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create catalog watcher, catalog changes will require restart")
		catalogWatcher = nil
	} else {
		catalogWatcher.OnChange(func(c *catalog.Catalog) {
			store.ReloadCatalog(ctx, c.Filter(cfg.ProductFilter))
		})
		if err := catalogWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start catalog watcher")
		}
		defer catalogWatcher.Stop()
	}

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	g.Go(func() error {
		for {
			select {
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading catalog")
				if catalogWatcher != nil {
					catalogWatcher.Reload()
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	router := api.NewRouter(cfg, store, hub, ledger, Version)

	// ReadHeaderTimeout instead of ReadTimeout: a connection deadline would
	// outlive the WebSocket upgrade and kill idle feeds.
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Daemon exited with error")
	}

	// Flush the feed listener before the journal goes away
	store.Stop()
	if ledger != nil {
		if err := ledger.Close(); err != nil {
			log.Warn().Err(err).Msg("Journal close failed")
		}
	}

	log.Info().Msg("Server stopped")
}

// buildCatalog loads and filters the tier catalog. Mock mode falls back to
// the demo catalog when the file yields nothing, so the daemon is usable
// out of the box.
func buildCatalog(cfg *config.Config) *catalog.Catalog {
	tiers := catalog.Load(cfg.CatalogPath).Filter(cfg.ProductFilter)
	if cfg.MockMode && tiers.Len() == 0 {
		tiers = catalog.New(storetest.DemoCatalog())
		log.Info().Msg("Catalog file empty, using demo catalog")
	}
	return tiers
}

// buildClient selects the platform client and the subscription group to
// track. Mock mode swaps in the seeded demo platform.
func buildClient(cfg *config.Config) (storefront.Client, string) {
	if cfg.MockMode {
		groupID := cfg.GroupID
		if groupID == "" {
			groupID = storetest.DemoGroupID
		}
		return storetest.NewDemoFake(), groupID
	}

	client, err := remote.New(remote.Config{
		BaseURL:   cfg.PlatformURL,
		AppToken:  cfg.AppToken,
		PublicKey: cfg.PlatformKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build platform client")
	}
	return client, cfg.GroupID
}
