package repocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"graft.software/graft/internal/gitcmd"
)

var (
	// ErrUnknownCommit marks a commit that does not exist in the repository.
	ErrUnknownCommit = errors.New("unknown commit")
	// ErrAmbiguousCommit marks a short SHA prefix matching several objects.
	ErrAmbiguousCommit = errors.New("ambiguous commit prefix")
	// ErrUnversionedSource marks git operations against a plain directory.
	ErrUnversionedSource = errors.New("source is an unversioned directory")
)

// Repo is the cached view of one source. For git sources it wraps the bare
// mirror; for plain local directories it wraps the directory itself and every
// git operation fails with ErrUnversionedSource.
type Repo struct {
	cache    *Cache
	name     string
	identity string
	key      string
	remote   string
	dir      string
	local    bool

	mu      sync.Mutex
	ensured bool
	fetched bool
	refs    *RefSnapshot

	wmu       sync.Mutex
	worktrees map[string]*worktree
}

// Name returns the manifest name of the source this repository mirrors.
func (r *Repo) Name() string { return r.name }

// Identity returns the canonical source identity.
func (r *Repo) Identity() string { return r.identity }

// Local reports whether the source is a plain, unversioned directory.
func (r *Repo) Local() bool { return r.local }

// Dir returns the bare mirror directory, or the source directory itself for
// plain local sources.
func (r *Repo) Dir() string { return r.dir }

// ensure makes the mirror directory available, cloning it on first sight. An
// existing mirror is used as-is: the remote is contacted lazily, when refs
// are listed or a commit is missing locally, so runs that only check out
// already-pinned commits never fetch.
func (r *Repo) ensure(ctx context.Context) error {
	if r.local {
		info, err := os.Stat(r.dir)
		if err != nil {
			return fmt.Errorf("local source directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("local source %s is not a directory", r.dir)
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ensured {
		return nil
	}
	if _, err := os.Stat(r.dir); err == nil {
		r.ensured = true
		return nil
	}

	logger := r.cache.logger(ctx).With(slog.String("source", r.name))
	err := r.cache.withGitPermit(ctx, func() error {
		release, err := r.cache.locker.Acquire(ctx, r.key)
		if err != nil {
			return err
		}
		defer func() { _ = release() }()

		// Another process may have cloned while we waited on the lease.
		if _, err := os.Stat(r.dir); err == nil {
			return nil
		}
		logger.InfoContext(ctx, "cloning repository", slog.String("url", r.remote))
		_, err = r.cache.runner.Run(ctx, "", "clone", "--mirror", r.remote, r.dir)
		return err
	})
	if err != nil {
		return err
	}
	r.ensured = true
	// A fresh clone is as current as a fetch.
	r.fetched = true
	return nil
}

// fetch contacts the remote once per run, updating refs and objects of the
// mirror. Further calls within the run are no-ops.
func (r *Repo) fetch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchLocked(ctx)
}

// fetchLocked is fetch with r.mu already held.
func (r *Repo) fetchLocked(ctx context.Context) error {
	if r.fetched {
		return nil
	}

	logger := r.cache.logger(ctx).With(slog.String("source", r.name))
	err := r.cache.withGitPermit(ctx, func() error {
		release, err := r.cache.locker.Acquire(ctx, r.key)
		if err != nil {
			return err
		}
		defer func() { _ = release() }()

		logger.DebugContext(ctx, "fetching repository", slog.String("url", r.remote))
		_, err = r.cache.runner.Run(ctx, r.dir, "fetch", "--prune", "--prune-tags", "--tags", "origin")
		return err
	})
	if err != nil {
		return err
	}
	r.fetched = true
	// Any cached snapshot predates the fetch.
	r.refs = nil
	return nil
}

func (r *Repo) isFetched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched
}

// RefSnapshot is a consistent view of a repository's refs, taken once per run
// after the fetch. Tag SHAs are peeled to the tagged commit.
type RefSnapshot struct {
	Tags          map[string]string
	Branches      map[string]string
	DefaultBranch string
}

// Refs lists tags and branches. Taking the snapshot fetches first, because
// selector resolution has to observe current remote state; the snapshot is
// then shared, so callers resolving several selectors for one source all see
// the same refs.
func (r *Repo) Refs(ctx context.Context) (*RefSnapshot, error) {
	if r.local {
		return nil, &SourceError{Source: r.name, Op: "list refs", Err: ErrUnversionedSource}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs != nil {
		return r.refs, nil
	}
	if err := r.fetchLocked(ctx); err != nil {
		return nil, &SourceError{Source: r.name, Op: "fetch", Err: err}
	}

	out, err := r.cache.runner.Run(ctx, r.dir,
		"for-each-ref", "--format=%(refname)%00%(objectname)%00%(*objectname)", "refs/heads", "refs/tags")
	if err != nil {
		return nil, &SourceError{Source: r.name, Op: "list refs", Err: err}
	}
	snapshot := parseRefs(string(out))

	// Mirror clones carry the remote HEAD, naming the default branch.
	if head, err := r.cache.runner.Run(ctx, r.dir, "symbolic-ref", "--short", "HEAD"); err == nil {
		snapshot.DefaultBranch = strings.TrimSpace(string(head))
	}

	r.refs = snapshot
	return snapshot, nil
}

func parseRefs(out string) *RefSnapshot {
	snapshot := &RefSnapshot{
		Tags:     make(map[string]string),
		Branches: make(map[string]string),
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\x00")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		refname, sha := fields[0], fields[1]
		// Annotated tags carry the peeled commit in the third field.
		if len(fields) > 2 && fields[2] != "" {
			sha = fields[2]
		}
		switch {
		case strings.HasPrefix(refname, "refs/heads/"):
			snapshot.Branches[strings.TrimPrefix(refname, "refs/heads/")] = sha
		case strings.HasPrefix(refname, "refs/tags/"):
			snapshot.Tags[strings.TrimPrefix(refname, "refs/tags/")] = sha
		}
	}
	return snapshot
}

// ResolveCommit expands a full or short commit SHA to its validated 40-char
// form. A commit missing from the mirror triggers one fetch before the lookup
// is repeated; it may have appeared upstream since the mirror was taken.
// Unknown commits and ambiguous prefixes are distinct errors.
func (r *Repo) ResolveCommit(ctx context.Context, prefix string) (string, error) {
	if r.local {
		return "", &SourceError{Source: r.name, Op: "resolve commit", Err: ErrUnversionedSource}
	}

	sha, err := r.revParseCommit(ctx, prefix)
	if errors.Is(err, ErrUnknownCommit) && !r.isFetched() {
		if ferr := r.fetch(ctx); ferr != nil {
			return "", &SourceError{Source: r.name, Op: "fetch", Err: ferr}
		}
		return r.revParseCommit(ctx, prefix)
	}
	return sha, err
}

func (r *Repo) revParseCommit(ctx context.Context, prefix string) (string, error) {
	out, err := r.cache.runner.Run(ctx, r.dir, "rev-parse", "--verify", prefix+"^{commit}")
	if err != nil {
		var gitErr *gitcmd.Error
		if errors.As(err, &gitErr) && strings.Contains(strings.ToLower(gitErr.Output), "ambiguous") {
			return "", fmt.Errorf("commit %q: %w", prefix, ErrAmbiguousCommit)
		}
		return "", fmt.Errorf("commit %q: %w", prefix, ErrUnknownCommit)
	}
	sha := strings.TrimSpace(string(out))
	if !shaRe.MatchString(sha) {
		return "", fmt.Errorf("commit %q: git returned malformed SHA %q", prefix, sha)
	}
	return sha, nil
}
