package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// worktreeMarker names the file written beside .git that records the full
// commit SHA a worktree directory holds. Directory names abbreviate the SHA,
// so cross-run reuse has to verify the marker before trusting the name.
const worktreeMarker = ".graft-worktree"

type worktreeState int

const (
	worktreePending worktreeState = iota
	worktreeReady
)

// worktree tracks one commit-addressed checkout. A worktree is registered
// Pending while creation is in flight; waiters block on done. Failed
// creations are deregistered and torn down so a retry never observes a
// half-created directory.
type worktree struct {
	state worktreeState
	path  string
	err   error
	done  chan struct{}
}

// Checkout returns the path of a Ready worktree pinned at sha, creating it if
// necessary. sha must be a full 40-character commit SHA. Worktrees are shared:
// every caller asking for the same commit of the same repository gets the same
// directory, and two different commits never share one. For plain local
// sources the source directory itself is returned.
func (r *Repo) Checkout(ctx context.Context, sha string) (string, error) {
	if r.local {
		return r.dir, nil
	}
	if !shaRe.MatchString(sha) {
		return "", fmt.Errorf("checkout of %s: %q is not a full commit SHA", r.name, sha)
	}

	for {
		r.wmu.Lock()
		w, ok := r.worktrees[sha]
		if !ok {
			if dir, reuse := r.reusableWorktree(sha); reuse {
				r.worktrees[sha] = &worktree{state: worktreeReady, path: dir}
				r.wmu.Unlock()
				return dir, nil
			}
			w = &worktree{done: make(chan struct{}), path: r.claimDirLocked(sha)}
			r.worktrees[sha] = w
			r.wmu.Unlock()
			return r.createWorktree(ctx, w, sha)
		}
		if w.state == worktreeReady {
			r.wmu.Unlock()
			return w.path, nil
		}
		r.wmu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-w.done:
		}
		r.wmu.Lock()
		if w.err == nil {
			path := w.path
			r.wmu.Unlock()
			return path, nil
		}
		// The creator failed and deregistered the slot; take a fresh attempt.
		r.wmu.Unlock()
	}
}

// reusableWorktree looks for an intact checkout of exactly this commit left
// by a previous run. The directory must carry git's .git file and a marker
// naming the full SHA; a short-name collision between two commits sharing a
// prefix therefore never reuses the wrong checkout.
func (r *Repo) reusableWorktree(sha string) (string, bool) {
	base := filepath.Join(r.cache.root, "worktrees", r.key)
	for _, dir := range []string{filepath.Join(base, shortSHA(sha)), filepath.Join(base, sha)} {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			continue
		}
		marker, err := os.ReadFile(filepath.Join(dir, worktreeMarker))
		if err != nil || strings.TrimSpace(string(marker)) != sha {
			continue
		}
		return dir, true
	}
	return "", false
}

// claimDirLocked picks the directory for a new worktree of sha: the short
// name, unless a different commit already holds it on disk or claimed it in
// this run, then the unabbreviated SHA. Caller holds r.wmu.
func (r *Repo) claimDirLocked(sha string) string {
	base := filepath.Join(r.cache.root, "worktrees", r.key)
	short := filepath.Join(base, shortSHA(sha))
	for _, other := range r.worktrees {
		if other.path == short {
			return filepath.Join(base, sha)
		}
	}
	if _, err := os.Stat(short); err == nil {
		return filepath.Join(base, sha)
	}
	return short
}

// createWorktree runs `git worktree add` for the Pending slot w. A failed add
// of a commit missing from the mirror is retried once after a fetch; the
// commit may have appeared upstream since the mirror was taken.
func (r *Repo) createWorktree(ctx context.Context, w *worktree, sha string) (string, error) {
	logger := r.cache.logger(ctx).With(slog.String("source", r.name), slog.String("commit", sha))

	err := r.worktreeAdd(ctx, logger, w.path, sha)
	if err != nil && !r.isFetched() {
		if ferr := r.fetch(ctx); ferr == nil {
			logger.DebugContext(ctx, "retrying worktree creation after fetch")
			err = r.worktreeAdd(ctx, logger, w.path, sha)
		}
	}

	r.wmu.Lock()
	if err != nil {
		_ = os.RemoveAll(w.path)
		delete(r.worktrees, sha)
		w.err = err
	} else {
		w.state = worktreeReady
	}
	path := w.path
	r.wmu.Unlock()
	close(w.done)

	if err != nil {
		return "", &SourceError{Source: r.name, Op: "create worktree", Err: err}
	}
	return path, nil
}

// worktreeAdd performs one creation attempt. Registration touches shared
// repository metadata, so it runs under the per-source lease; a single retry
// after pruning covers collisions with stale registrations left by an earlier
// cleanup. Successful creation stamps the directory with the full SHA.
func (r *Repo) worktreeAdd(ctx context.Context, logger *slog.Logger, dir, sha string) error {
	return r.cache.withGitPermit(ctx, func() error {
		release, err := r.cache.locker.Acquire(ctx, r.key)
		if err != nil {
			return err
		}
		defer func() { _ = release() }()

		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		logger.DebugContext(ctx, "creating worktree", slog.String("path", dir))
		_, addErr := r.cache.runner.Run(ctx, r.dir, "worktree", "add", "--detach", dir, sha)
		if addErr != nil {
			_ = os.RemoveAll(dir)
			if _, pruneErr := r.cache.runner.Run(ctx, r.dir, "worktree", "prune"); pruneErr != nil {
				return addErr
			}
			logger.DebugContext(ctx, "retrying worktree creation after prune")
			if _, retryErr := r.cache.runner.Run(ctx, r.dir, "worktree", "add", "--detach", dir, sha); retryErr != nil {
				return retryErr
			}
		}
		return os.WriteFile(filepath.Join(dir, worktreeMarker), []byte(sha+"\n"), 0o644)
	})
}
