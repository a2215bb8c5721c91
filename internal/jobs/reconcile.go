package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
)

// Reconciler removes processed artifacts that no completed job references,
// such as outputs written by a run that crashed before recording completion.
type Reconciler struct {
	store   store.Store
	dir     string
	grace   time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReconciler creates a Reconciler for processedDir. Files modified within
// grace are never touched, so in-flight materializations survive a sweep.
func NewReconciler(st store.Store, processedDir string, grace time.Duration, m *metrics.Metrics) *Reconciler {
	if m == nil {
		m = metrics.Discard()
	}
	return &Reconciler{store: st, dir: processedDir, grace: grace, metrics: m, now: time.Now}
}

// Sweep returns the orphaned paths it found. With dryRun set nothing is removed.
func (r *Reconciler) Sweep(ctx context.Context, dryRun bool) ([]string, error) {
	paths, err := r.store.ListResultPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("list result paths: %w", err)
	}
	referenced := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		referenced[filepath.Clean(p)] = struct{}{}
	}

	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read processed dir: %w", err)
	}

	cutoff := r.now().Add(-r.grace)
	var orphans []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return orphans, err
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		if _, ok := referenced[path]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		orphans = append(orphans, path)
		if dryRun {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove orphaned artifact", "path", path, "error", err)
			continue
		}
		r.metrics.ArtifactsReclaimed.Inc()
	}

	if len(orphans) > 0 {
		slog.Info("reconciled processed artifacts", "orphans", len(orphans), "dry_run", dryRun)
	}
	return orphans, nil
}
