package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sifan077/goster/internal/app/repository"
	"github.com/sifan077/goster/internal/infra/blobstore"
	appmetrics "github.com/sifan077/goster/internal/infra/prometheus"
	"go.uber.org/zap"
)

// Cleanup results recorded per link.
const (
	cleanupRemoved = "removed"
	cleanupMissing = "missing"
	cleanupFailed  = "failed"
)

// CleanupReport summarises one sweep.
type CleanupReport struct {
	Found   int
	Removed int
	Missing int
	Cleared int
	Failed  int
}

// CleanupOptions configures a CleanupScheduler.
type CleanupOptions struct {
	Schedule   string
	RunOnStart bool
	TTL        time.Duration
	Metrics    *appmetrics.Metrics
	Now        func() time.Time
}

// CleanupScheduler deletes remote recordings of expired links and clears
// their references. Link rows themselves are kept.
type CleanupScheduler struct {
	logger     *zap.Logger
	repo       repository.LinkRepository
	blobs      blobstore.Store
	ttl        time.Duration
	runOnStart bool
	metrics    *appmetrics.Metrics
	now        func() time.Time
	cron       *cron.Cron

	wg     sync.WaitGroup
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCleanupScheduler validates the cron schedule and registers the sweep.
func NewCleanupScheduler(logger *zap.Logger, repo repository.LinkRepository, blobs blobstore.Store, opts CleanupOptions) (*CleanupScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Schedule == "" {
		opts.Schedule = "0 * * * *"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cl := cronLogger{l: logger.Named("cron").Sugar()}
	s := &CleanupScheduler{
		logger:     logger,
		repo:       repo,
		blobs:      blobs,
		ttl:        opts.TTL,
		runOnStart: opts.RunOnStart,
		metrics:    opts.Metrics,
		now:        opts.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := s.cron.AddFunc(opts.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// Start runs the first sweep immediately when configured, then follows the schedule.
func (s *CleanupScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	ctx = s.ctx
	s.mu.Unlock()

	s.cron.Start()
	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx)
		}()
	}
	s.logger.Info("cleanup scheduler started")
}

// Stop halts the schedule and waits for running sweeps to return.
func (s *CleanupScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *CleanupScheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.run(ctx)
}

func (s *CleanupScheduler) run(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("cleanup sweep failed", zap.Error(err))
		return
	}
	if report.Found > 0 {
		s.logger.Info("cleanup sweep finished",
			zap.Int("found", report.Found),
			zap.Int("removed", report.Removed),
			zap.Int("missing", report.Missing),
			zap.Int("cleared", report.Cleared),
			zap.Int("failed", report.Failed),
		)
	}
}

// RunOnce performs a single sweep. Failures on individual links are logged
// and counted; only the initial query aborts the run.
func (s *CleanupScheduler) RunOnce(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	s.metrics.CleanupRun()

	now := s.now()
	links, err := s.repo.ListExpiredWithRemoteRef(ctx, now, s.ttl)
	if err != nil {
		return report, fmt.Errorf("list expired links: %w", err)
	}
	report.Found = len(links)

	for _, link := range links {
		if link.RemoteMessageRef != nil {
			removed, err := s.blobs.Remove(ctx, *link.RemoteMessageRef)
			switch {
			case err != nil:
				report.Failed++
				s.metrics.CleanupLink(cleanupFailed)
				s.logger.Warn("failed to remove remote recording",
					zap.String("code", link.Code),
					zap.Error(err),
				)
			case removed:
				report.Removed++
				s.metrics.CleanupLink(cleanupRemoved)
			default:
				report.Missing++
				s.metrics.CleanupLink(cleanupMissing)
			}
		}

		if err := s.repo.ClearRemoteRef(ctx, link.Code, now); err != nil {
			if errors.Is(err, repository.ErrRemoteRefCleared) {
				// another run got there first
				s.logger.Debug("remote reference already cleared", zap.String("code", link.Code))
				continue
			}
			s.logger.Error("failed to clear remote reference",
				zap.String("code", link.Code),
				zap.Error(err),
			)
			continue
		}
		report.Cleared++
	}

	return report, nil
}

// cronLogger routes cron's logr-style calls into zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
