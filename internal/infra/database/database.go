// Package database opens the link store on the configured driver.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/goster/config"
	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/infra/postgres"
	"github.com/sifan077/goster/internal/infra/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// DB is an open link store. Pool is only set for Postgres, where gorm runs
// on top of it.
type DB struct {
	Gorm   *gorm.DB
	Pool   *pgxpool.Pool
	Driver string
}

// Open connects to the configured database and migrates the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := &DB{Driver: cfg.Driver}
	gl := newGormLogger(logger)

	var err error
	switch cfg.Driver {
	case "sqlite":
		db.Gorm, err = sqlite.NewGorm(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		db.Gorm.Logger = gl
	case "postgres", "":
		db.Driver = "postgres"
		db.Pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		db.Gorm, err = postgres.NewGorm(db.Pool, gl)
		if err != nil {
			db.Pool.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}

	if err := db.Gorm.WithContext(ctx).AutoMigrate(&model.Link{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: auto migrate: %w", err)
	}
	return db, nil
}

// newGormLogger routes gorm's warnings through zap. Unknown short codes are
// routine 404s, so record-not-found is not logged.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	return gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if db.Pool != nil {
		return db.Pool.Ping(ctx)
	}
	sqlDB, err := db.Gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases every connection.
func (db *DB) Close() {
	if db.Gorm != nil {
		if sqlDB, err := db.Gorm.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if db.Pool != nil {
		db.Pool.Close()
	}
}
