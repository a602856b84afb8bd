// Package repocache owns the on-disk repository cache: one bare mirror per
// source plus ephemeral, commit-addressed worktrees shared by every consumer
// that needs the same commit. Mutating git operations are serialized per
// source through a scoped exclusive lease and bounded globally by a counting
// semaphore; once a worktree is Ready it is immutable shared state.
//
// Layout under the cache root:
//
//	repos/<key>            bare mirror of one source
//	worktrees/<key>/<sha>  detached checkout at one commit, named by the
//	                       abbreviated SHA (full SHA on prefix collision)
//	locks/<key>.lock       per-source advisory lock file
package repocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/semaphore"

	"graft.software/graft/internal/gitcmd"
	"graft.software/graft/internal/manifest"
)

// DefaultGitConcurrency bounds simultaneous mutating git subprocesses when no
// explicit limit is configured.
const DefaultGitConcurrency = 8

var shaRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Cache is an explicit, injectable repository cache. A Cache is scoped to one
// command execution for fetch deduplication purposes, but its on-disk state
// is durable and shared across runs.
type Cache struct {
	root   string
	runner gitcmd.Runner
	sem    *semaphore.Weighted
	locker Locker

	mu    sync.Mutex
	repos map[string]*Repo
}

// Option configures a Cache.
type Option func(*Cache)

// WithRunner substitutes the git capability, usually with a scripted fake in
// tests.
func WithRunner(r gitcmd.Runner) Option {
	return func(c *Cache) { c.runner = r }
}

// WithGitConcurrency bounds the number of simultaneous mutating git
// subprocesses across all sources.
func WithGitConcurrency(n int64) Option {
	return func(c *Cache) { c.sem = semaphore.NewWeighted(n) }
}

// WithLocker substitutes the per-source lease implementation.
func WithLocker(l Locker) Option {
	return func(c *Cache) { c.locker = l }
}

// New creates a cache rooted at dir, creating the directory layout if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		root:  dir,
		repos: make(map[string]*Repo),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = &gitcmd.Exec{}
	}
	if c.sem == nil {
		c.sem = semaphore.NewWeighted(DefaultGitConcurrency)
	}
	if c.locker == nil {
		c.locker = newFileLocker(filepath.Join(dir, "locks"))
	}
	for _, sub := range []string{"repos", "worktrees", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// SourceError attributes a failed repository operation to its source.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Ensure makes the source's repository available locally: a bare mirror is
// cloned on first sight; an existing mirror is used as-is and only fetched
// when refs are listed or a commit turns out to be missing. Local plain
// directories are presented as-is without any git interaction. Safe for
// concurrent use; concurrent calls for the same source share one clone.
func (c *Cache) Ensure(ctx context.Context, src *manifest.Source) (*Repo, error) {
	identity := src.Identity()

	c.mu.Lock()
	repo, ok := c.repos[identity]
	if !ok {
		repo = c.newRepo(src, identity)
		c.repos[identity] = repo
	}
	c.mu.Unlock()

	if err := repo.ensure(ctx); err != nil {
		return nil, &SourceError{Source: src.Name, Op: "ensure repository", Err: err}
	}
	return repo, nil
}

func (c *Cache) newRepo(src *manifest.Source, identity string) *Repo {
	key := cacheKey(identity)
	repo := &Repo{
		cache:     c,
		name:      src.Name,
		identity:  identity,
		key:       key,
		remote:    src.URL,
		worktrees: make(map[string]*worktree),
	}
	if src.Path != "" {
		if isGitDir(src.Path) {
			// A local git repository is mirrored like a remote so worktree
			// registration never touches the user's checkout.
			repo.remote = src.Path
		} else {
			repo.local = true
			repo.dir = src.Path
			return repo
		}
	}
	repo.dir = filepath.Join(c.root, "repos", key)
	return repo
}

// isGitDir reports whether path holds a git repository, either a working
// checkout (.git present) or a bare layout (HEAD plus objects).
func isGitDir(path string) bool {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(path, "objects"))
	return err == nil
}

// cacheKey derives the stable directory name for a source identity: a
// sanitized leaf for readability plus a content hash for uniqueness.
func cacheKey(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	leaf := strings.ToLower(filepath.Base(strings.TrimSuffix(identity, "/")))
	var b strings.Builder
	for _, r := range leaf {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return fmt.Sprintf("%s-%s", b.String(), hex.EncodeToString(sum[:])[:12])
}

// WorktreeKey names a worktree inside the cache: cache key of the source
// identity plus the first 8 SHA characters. Clean policies use it to express
// which worktrees the lockfile still references.
func WorktreeKey(identity, sha string) string {
	return cacheKey(identity) + "/" + shortSHA(sha)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func (c *Cache) logger(ctx context.Context) *slog.Logger {
	return slogcontext.FromCtx(ctx).With(slog.String("realm", "cache"))
}

// withGitPermit runs fn while holding one permit of the global git-operation
// limiter.
func (c *Cache) withGitPermit(ctx context.Context, fn func() error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for git slot: %w", err)
	}
	defer c.sem.Release(1)
	return fn()
}
