package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanPolicy selects which cached state Clean removes. Worktrees listed in
// Keep (by WorktreeKey) survive; everything else is removed when All is set
// or when older than MaxAge. Mirrors are only removed with All.
type CleanPolicy struct {
	All     bool
	MaxAge  time.Duration
	Keep    map[string]struct{}
	Mirrors bool
}

// CleanReport summarizes one cleanup pass.
type CleanReport struct {
	Worktrees int
	Mirrors   int
}

// Clean removes worktrees (and optionally bare mirrors) per policy. Teardown
// is plain filesystem removal; stale worktree registrations inside mirrors
// are pruned lazily the next time a worktree is created.
func (c *Cache) Clean(ctx context.Context, policy CleanPolicy) (CleanReport, error) {
	var report CleanReport
	logger := c.logger(ctx)
	cutoff := time.Now().Add(-policy.MaxAge)

	worktreeRoot := filepath.Join(c.root, "worktrees")
	repoDirs, err := os.ReadDir(worktreeRoot)
	if err != nil && !os.IsNotExist(err) {
		return report, fmt.Errorf("reading worktree directory: %w", err)
	}
	for _, repoDir := range repoDirs {
		if !repoDir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(worktreeRoot, repoDir.Name()))
		if err != nil {
			return report, fmt.Errorf("reading worktrees of %s: %w", repoDir.Name(), err)
		}
		for _, entry := range entries {
			key := repoDir.Name() + "/" + entry.Name()
			if _, keep := policy.Keep[key]; keep {
				continue
			}
			// Worktrees named by their full SHA match their abbreviated key.
			if _, keep := policy.Keep[repoDir.Name()+"/"+shortSHA(entry.Name())]; keep {
				continue
			}
			dir := filepath.Join(worktreeRoot, repoDir.Name(), entry.Name())
			if !policy.All {
				info, err := entry.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
			}
			logger.InfoContext(ctx, "removing worktree", slog.String("worktree", key))
			if err := os.RemoveAll(dir); err != nil {
				return report, fmt.Errorf("removing worktree %s: %w", key, err)
			}
			report.Worktrees++
		}
	}

	if policy.All && policy.Mirrors {
		mirrorRoot := filepath.Join(c.root, "repos")
		mirrors, err := os.ReadDir(mirrorRoot)
		if err != nil && !os.IsNotExist(err) {
			return report, fmt.Errorf("reading mirror directory: %w", err)
		}
		for _, mirror := range mirrors {
			logger.InfoContext(ctx, "removing mirror", slog.String("mirror", mirror.Name()))
			if err := os.RemoveAll(filepath.Join(mirrorRoot, mirror.Name())); err != nil {
				return report, fmt.Errorf("removing mirror %s: %w", mirror.Name(), err)
			}
			report.Mirrors++
		}
	}
	return report, nil
}
