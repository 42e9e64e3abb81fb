// Package sweeper ages files out of the disk cache.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/metrics"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultInterval  = 24 * time.Hour
)

// Uncacher clears the cached flag of the record whose cache copy was
// deleted. catalog.Store is one.
type Uncacher interface {
	UncacheByLocation(ctx context.Context, cacheLocation string) error
}

// Stats describes one sweep.
type Stats struct {
	Files  int
	Dirs   int
	Bytes  int64
	Errors int
}

type Sweeper struct {
	root      string
	retention time.Duration
	interval  time.Duration
	schedule  *cronexpr.Expression
	uncacher  Uncacher
	now       func() time.Time
}

func New(root string, retention, interval time.Duration) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{root: root, retention: retention, interval: interval, now: time.Now}
}

// WithSchedule runs sweeps at the times of a cron expression instead of on
// the fixed interval.
func (s *Sweeper) WithSchedule(expr string) (*Sweeper, error) {
	schedule, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sweep schedule %q", expr)
	}
	s.schedule = schedule
	return s, nil
}

// WithUncacher has the sweeper update the catalog for every file it deletes.
func (s *Sweeper) WithUncacher(u Uncacher) *Sweeper {
	s.uncacher = u
	return s
}

// Start sweeps once right away, then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	log.WithFields(log.Fields{"root": s.root, "retention": s.retention}).Info("cache sweeper started")
	for {
		s.Sweep(ctx)
		timer := time.NewTimer(s.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Sweeper) next() time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	now := s.now()
	next := s.schedule.Next(now)
	if next.IsZero() {
		return s.interval
	}
	return next.Sub(now)
}

// Sweep deletes every file under the cache root last modified before the
// retention window and then every directory left empty. The root itself is
// kept. A failure in one subtree does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	var stats Stats
	start := s.now()
	cutoff := start.Add(-s.retention)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("root", s.root).WithError(err).Error("unable to read cache root")
			stats.Errors++
		}
		return stats
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		s.sweep(ctx, filepath.Join(s.root, entry.Name()), entry, cutoff, &stats)
	}
	metrics.CacheFilesSweptTotal.Add(float64(stats.Files))
	metrics.CacheBytesSweptTotal.Add(float64(stats.Bytes))
	metrics.SweepErrorsTotal.Add(float64(stats.Errors))
	log.WithFields(log.Fields{
		"files":   stats.Files,
		"dirs":    stats.Dirs,
		"freed":   humanize.IBytes(uint64(stats.Bytes)),
		"errors":  stats.Errors,
		"elapsed": s.now().Sub(start).Round(time.Millisecond),
	}).Info("cache sweep finished")
	return stats
}

// sweep handles one entry and reports whether it was removed.
func (s *Sweeper) sweep(ctx context.Context, path string, entry os.DirEntry, cutoff time.Time, stats *Stats) bool {
	logger := log.WithField("path", path)
	if !entry.IsDir() {
		info, err := entry.Info()
		if err != nil {
			logger.WithError(err).Warn("unable to stat cached file")
			stats.Errors++
			return false
		}
		if !info.ModTime().Before(cutoff) {
			return false
		}
		if err := os.Remove(path); err != nil {
			logger.WithError(err).Warn("unable to delete cached file")
			stats.Errors++
			return false
		}
		logger.WithField("modified", info.ModTime().Format(time.RFC3339)).Debug("deleted expired file")
		stats.Files++
		stats.Bytes += info.Size()
		s.uncache(ctx, path)
		return true
	}

	children, err := os.ReadDir(path)
	if err != nil {
		logger.WithError(err).Warn("unable to read cache directory")
		stats.Errors++
		return false
	}
	remaining := len(children)
	for _, child := range children {
		if ctx.Err() != nil {
			return false
		}
		if s.sweep(ctx, filepath.Join(path, child.Name()), child, cutoff, stats) {
			remaining--
		}
	}
	if remaining > 0 {
		return false
	}
	if err := os.Remove(path); err != nil {
		logger.WithError(err).Warn("unable to delete empty directory")
		stats.Errors++
		return false
	}
	stats.Dirs++
	return true
}

func (s *Sweeper) uncache(ctx context.Context, path string) {
	if s.uncacher == nil {
		return
	}
	if err := s.uncacher.UncacheByLocation(ctx, path); err != nil {
		log.WithField("path", path).WithError(err).Warn("unable to update cache record")
	}
}
