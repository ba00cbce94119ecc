package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/goster/config"
	apprepository "github.com/sifan077/goster/internal/app/repository"
	appserver "github.com/sifan077/goster/internal/app/server"
	appservice "github.com/sifan077/goster/internal/app/service"
	inthttp "github.com/sifan077/goster/internal/http/handler"
	"github.com/sifan077/goster/internal/infra/blobstore"
	"github.com/sifan077/goster/internal/infra/database"
	"github.com/sifan077/goster/internal/infra/logger"
	infraNATS "github.com/sifan077/goster/internal/infra/nats"
	infraPrometheus "github.com/sifan077/goster/internal/infra/prometheus"
	infraRedis "github.com/sifan077/goster/internal/infra/redis"
	"github.com/sifan077/goster/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.MustInit(logger.Config{
		Development: !cfg.IsProduction(),
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Configuration loaded successfully",
		zap.String("env", cfg.App.Env),
		zap.String("addr", cfg.App.Addr),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
	)

	db, err := database.Open(ctx, cfg.Database, log.Named("database"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Info("Connected to database successfully", zap.String("driver", db.Driver))

	checks := []inthttp.Check{{Name: "database", Run: db.Ping}}

	reg := infraPrometheus.NewRegistry()
	metrics := infraPrometheus.NewMetrics(reg)

	linkRepo := apprepository.NewLinkRepository(db.Gorm)

	// The filter only knows codes created by this process, so replicas sharing
	// one database must run with it disabled.
	var filter *appservice.CodeFilter
	if cfg.Links.Filter {
		filter = appservice.NewCodeFilter(cfg.Links.BloomEntries, cfg.Links.BloomFPRate)
		warmed, err := filter.Warm(ctx, linkRepo.Codes)
		if err != nil {
			return err
		}
		log.Info("Short code filter warmed", zap.Int("codes", warmed))
	}

	blobs, err := blobstore.New(cfg.Blob, log.Named("blobstore"))
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}
	log.Info("Blob store ready", zap.String("backend", blobs.Name()))

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		checks = append(checks, inthttp.Check{Name: "redis", Run: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
		log.Info("Connected to Redis successfully")
	}

	var (
		natsConn *nats.Conn
		js       nats.JetStreamContext
	)
	if cfg.NATS.Enabled {
		natsConn, js, err = infraNATS.Connect(cfg.NATS, log.Named("nats"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsConn.Drain()
		if err := infraNATS.EnsureViewStream(js, cfg.NATS); err != nil {
			return fmt.Errorf("ensure view stream: %w", err)
		}
		checks = append(checks, inthttp.Check{Name: "nats", Run: func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New(natsConn.Status().String())
			}
			return nil
		}})
		log.Info("Connected to NATS successfully", zap.Bool("jetstream_ready", js != nil))
	}

	g, gctx := errgroup.WithContext(ctx)

	limiter, memStore, err := buildLimiter(cfg.RateLimit, redisClient)
	if err != nil {
		return err
	}
	if memStore != nil {
		g.Go(func() error {
			memStore.Run(gctx, cfg.RateLimit.SweepInterval, cfg.RateLimit.StaleAfter, log.Named("ratelimit"))
			return nil
		})
	}

	links := appservice.NewLinkService(linkRepo, appservice.LinkOptions{
		BaseURL:    cfg.App.BaseURL,
		TTL:        cfg.Links.TTL,
		CodeLength: cfg.Links.CodeLength,
		Filter:     filter,
		Metrics:    metrics,
	})
	videos := appservice.NewVideoService(linkRepo, blobs,
		appservice.NewContentPolicy(cfg.Upload.MaxBytes, cfg.Upload.AllowedTypes),
		appservice.VideoOptions{
			TTL:     cfg.Links.TTL,
			Filter:  filter,
			Metrics: metrics,
			Logger:  log.Named("video"),
		},
	)

	cleanup, err := appservice.NewCleanupScheduler(log.Named("cleanup"), linkRepo, blobs, appservice.CleanupOptions{
		Schedule:   cfg.Cleanup.Schedule,
		RunOnStart: cfg.Cleanup.RunOnStart,
		TTL:        cfg.Links.TTL,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	cleanup.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		cleanup.Stop()
		return nil
	})

	deps := appserver.Dependencies{
		Logger:         log,
		Links:          links,
		Videos:         videos,
		Limiter:        limiter,
		Metrics:        metrics,
		Checks:         checks,
		MaxUploadBytes: cfg.Upload.MaxBytes,
	}
	if js != nil {
		deps.Views = appservice.NewViewPublisher(js, cfg.NATS.Subject)
		consumer := appservice.NewViewConsumer(js, log.Named("views"), linkRepo, appservice.ViewStream{
			Stream:   cfg.NATS.Stream,
			Subject:  cfg.NATS.Subject,
			Consumer: cfg.NATS.Consumer,
		})
		g.Go(func() error {
			// view counts are informational; a broken consumer must not take the API down
			if err := consumer.Run(gctx); err != nil {
				log.Error("View consumer stopped", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.IsProduction() {
		promServer := infraPrometheus.NewServer(cfg.Prometheus, reg)
		g.Go(func() error {
			log.Info("Starting Prometheus metrics server", zap.String("addr", promServer.Addr))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("prometheus server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return promServer.Shutdown(shutdownCtx)
		})
	} else {
		log.Info("Skipping Prometheus metrics server in development mode")
	}

	server := appserver.New(deps)
	g.Go(func() error {
		log.Info("Starting HTTP server", zap.String("addr", cfg.App.Addr))
		if err := server.Listen(cfg.App.Addr); err != nil {
			return fmt.Errorf("fiber server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildLimiter(cfg config.RateLimitConfig, redisClient *redis.Client) (*ratelimit.Limiter, *ratelimit.MemoryStore, error) {
	rules := make([]ratelimit.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, ratelimit.Rule{Method: r.Method, Prefix: r.Prefix, Max: r.Max, Window: r.Window})
	}
	def := ratelimit.Rule{Prefix: cfg.Default.Prefix, Max: cfg.Default.Max, Window: cfg.Default.Window}

	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, nil, errors.New("rate_limit.backend is redis but redis is disabled")
		}
		return ratelimit.New(ratelimit.NewRedisStore(redisClient, "goster:ratelimit"), def, rules...), nil, nil
	default:
		store := ratelimit.NewMemoryStore()
		return ratelimit.New(store, def, rules...), store, nil
	}
}
