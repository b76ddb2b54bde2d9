package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"birdbridge/internal/api"
	"birdbridge/internal/config"
	"birdbridge/internal/database"
	"birdbridge/internal/logging"
	"birdbridge/internal/media"
	"birdbridge/internal/models"
	"birdbridge/internal/scheduler"
	syncer "birdbridge/internal/sync"
	"birdbridge/internal/transform"
	"birdbridge/internal/web"
)

func main() {
	cfg := config.LoadConfig()
	if !logging.SetLevel(cfg.LogLevel) {
		logging.Warn("Unknown LOG_LEVEL %q, keeping info", cfg.LogLevel)
	}
	defer logging.Sync()
	logging.Info("Starting birdbridge...")

	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		logging.Fatal("Failed to initialize database: %v", err)
	}
	defer db.Close()

	mappings, err := config.LoadMappings(cfg.MappingsPath)
	if err != nil {
		logging.Fatal("Failed to load account mappings: %v", err)
	}
	enabled := 0
	for _, m := range mappings {
		if m.Enabled {
			enabled++
		}
	}
	logging.Info("Loaded %d account mappings (%d enabled)", len(mappings), enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.LegacyHistoryPath != "" {
		if _, err := db.ImportLegacyHistory(ctx, cfg.LegacyHistoryPath, defaultAccount(mappings)); err != nil {
			logging.Error("Legacy history import failed: %v", err)
		}
	}

	pipeline := media.NewPipeline(media.NewHTTPFetcher(), media.NewPoller())
	seq := syncer.NewSyncer(db, transform.NewTransformer(nil), pipeline, syncer.Options{
		MaxChunkLength: cfg.MaxChunkLength,
		Langs:          cfg.PostLangs,
		ChunkDelay:     cfg.ChunkDelay,
		ItemDelayMin:   cfg.ItemDelayMin,
		ItemDelayMax:   cfg.ItemDelayMax,
	})

	registry := scheduler.NewRegistry(
		func(ctx context.Context, dest models.DestinationConfig) (syncer.Destination, error) {
			sess, err := api.Login(ctx, dest)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		func(src models.SourceConfig) (api.Source, error) {
			return api.NewSource(src, cfg.SourceRPS)
		},
	)

	sched := scheduler.New(mappings, registry, seq, db, scheduler.Options{
		Interval:         cfg.CheckInterval,
		PageDelay:        cfg.PageDelay,
		IncrementalLimit: cfg.IncrementalLimit,
	})

	server := web.NewServer(cfg.ListenAddr, sched, db)
	server.Start()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	logging.Info("Shutdown signal received, waiting for the current item to finish...")
	<-done

	if err := server.Stop(context.Background()); err != nil {
		logging.Error("Web server shutdown failed: %v", err)
	}
	logging.Info("birdbridge stopped.")
}

// defaultAccount is the account legacy history without per-account keys
// is attributed to.
func defaultAccount(mappings []models.AccountMapping) string {
	for _, m := range mappings {
		if m.Enabled {
			return m.Account()
		}
	}
	return ""
}
