// Package cron runs scheduled SQLite backups and prunes old ones.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	backupPrefix     = "todochat-"
	backupSuffix     = ".db"
	backupTimeLayout = "20060102T150405.000Z"
	backupTimeout    = 5 * time.Minute
)

// Backuper writes a consistent snapshot of the database to a path.
type Backuper interface {
	Backup(ctx context.Context, destPath string) error
}

// Config holds the dependencies for the backup scheduler.
type Config struct {
	Store    Backuper
	Logger   *slog.Logger
	Schedule string // cron expression, UTC
	Dir      string
	Keep     int // snapshots retained; 0 keeps all
}

// Scheduler takes a backup on every tick of its schedule.
type Scheduler struct {
	store  Backuper
	logger *slog.Logger
	spec   string
	dir    string
	keep   int
	now    func() time.Time

	cron     *cronlib.Cron
	stopOnce sync.Once
	mu       sync.Mutex // serializes backups
}

// NewScheduler validates the schedule and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("cron: backup dir is required")
	}
	if cfg.Keep < 0 {
		return nil, fmt.Errorf("cron: keep must be >= 0, got %d", cfg.Keep)
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("cron: invalid schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  cfg.Store,
		logger: logger,
		spec:   cfg.Schedule,
		dir:    cfg.Dir,
		keep:   cfg.Keep,
		now:    time.Now,
	}, nil
}

// Start registers the backup job and starts the cron runner. The runner
// stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("cron: backup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("cron: register backup job: %w", err)
	}
	s.cron.Start()

	next, _ := NextRunTime(s.spec, s.now().UTC())
	s.logger.Info("cron: backup scheduler started", "schedule", s.spec, "dir", s.dir, "keep", s.keep, "next_run_at", next)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the runner and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.logger.Info("cron: backup scheduler stopped")
	})
}

// RunOnce takes one snapshot into the backup dir, prunes old snapshots and
// returns the new file's path.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()

	start := s.now()
	dest := filepath.Join(s.dir, BackupName(start))
	if err := s.store.Backup(ctx, dest); err != nil {
		return "", err
	}
	var size uint64
	if fi, err := os.Stat(dest); err == nil {
		size = uint64(fi.Size())
	}
	s.logger.Info("cron: backup written",
		"path", dest,
		"size", humanize.Bytes(size),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	removed, err := Prune(s.dir, s.keep)
	if err != nil {
		s.logger.Warn("cron: prune failed", "dir", s.dir, "error", err)
		return dest, nil
	}
	if len(removed) > 0 {
		s.logger.Info("cron: pruned old backups", "removed", len(removed), "keep", s.keep)
	}
	return dest, nil
}

// BackupName is the snapshot file name for t. Names sort chronologically.
func BackupName(t time.Time) string {
	return backupPrefix + t.UTC().Format(backupTimeLayout) + backupSuffix
}

// Prune deletes all but the newest keep snapshots in dir and returns the
// removed paths. keep <= 0 disables pruning. Files not named like
// snapshots are left alone.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return nil, nil
	}
	sort.Strings(names)

	var removed []string
	for _, name := range names[:len(names)-keep] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
