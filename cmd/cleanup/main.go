// Command cleanup runs a single cleanup sweep: remote recordings of expired
// links are deleted and their references cleared.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sifan077/goster/config"
	apprepository "github.com/sifan077/goster/internal/app/repository"
	appservice "github.com/sifan077/goster/internal/app/service"
	"github.com/sifan077/goster/internal/infra/blobstore"
	"github.com/sifan077/goster/internal/infra/database"
	"github.com/sifan077/goster/internal/infra/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.MustInit(logger.Config{
		Development: !cfg.IsProduction(),
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
	})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, log.Named("database"))
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	blobs, err := blobstore.New(cfg.Blob, log.Named("blobstore"))
	if err != nil {
		log.Fatal("Failed to build blob store", zap.Error(err))
	}

	cleanup, err := appservice.NewCleanupScheduler(log, apprepository.NewLinkRepository(db.Gorm), blobs, appservice.CleanupOptions{
		Schedule: cfg.Cleanup.Schedule,
		TTL:      cfg.Links.TTL,
	})
	if err != nil {
		log.Fatal("Invalid cleanup configuration", zap.Error(err))
	}

	report, err := cleanup.RunOnce(ctx)
	if err != nil {
		log.Fatal("Cleanup sweep failed", zap.Error(err))
	}

	log.Info("Cleanup sweep finished",
		zap.Int("found", report.Found),
		zap.Int("removed", report.Removed),
		zap.Int("missing", report.Missing),
		zap.Int("cleared", report.Cleared),
		zap.Int("failed", report.Failed),
	)
}
