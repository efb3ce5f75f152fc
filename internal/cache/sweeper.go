package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper periodically removes cache blobs that have not been touched for
// longer than the retention window. Deleting a blob is always safe: the
// registry treats a missing blob as a cache miss and re-executes the job.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	cron     gocron.Scheduler
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper for dir. maxAge is how long a blob may sit
// unused before it is removed; interval is how often the sweep runs.
// A maxAge of zero disables sweeping — Start becomes a no-op.
func NewSweeper(dir string, maxAge, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("cache: create sweep scheduler: %w", err)
	}
	return &Sweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		cron:     cron,
		logger:   logger.Named("cache_sweeper"),
	}, nil
}

// Start schedules the sweep and begins running it. Sweeps run in singleton
// mode so a slow pass over a large cache directory never overlaps the next.
func (s *Sweeper) Start() error {
	if s.maxAge <= 0 {
		s.logger.Info("cache sweeping disabled")
		return nil
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("cache: schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("cache sweeper started",
		zap.String("dir", s.dir),
		zap.Duration("max_age", s.maxAge),
		zap.Duration("interval", s.interval),
	)
	return nil
}

// Stop shuts the sweep scheduler down, waiting for an in-flight pass.
func (s *Sweeper) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("cache sweeper shutdown", zap.Error(err))
	}
}

// sweep removes every regular file under dir older than maxAge.
// Subdirectories are left alone — handlers may point their cache policy at
// nested directories, which are swept through the same walk.
func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	var removed int

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("cache sweep failed", zap.Error(err))
		return
	}

	if removed > 0 {
		s.logger.Info("cache sweep removed expired blobs", zap.Int("removed", removed))
	}
}
