// Package resolver turns (source, version selector) pairs into concrete
// commit SHAs. Resolution is batch-oriented: keys are deduplicated, grouped
// by source, and every selector for one source is matched against a single
// ref snapshot taken after that source's fetch. Results are cached for the
// lifetime of the Resolver, so identical keys are never resolved twice within
// one run.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/repocache"
)

// Key identifies one unit of resolution work: a canonical source identity
// plus the canonical selector string. Two dependencies sharing a Key resolve
// identically by construction.
type Key struct {
	Source   string
	Selector string
}

// Request pairs a source with one selector to resolve against it.
type Request struct {
	Source   *manifest.Source
	Selector manifest.Selector
}

// Key returns the deduplication key of the request.
func (rq Request) Key() Key {
	return Key{Source: rq.Source.Identity(), Selector: rq.Selector.String()}
}

// Resolved is the outcome of resolving one Key. CommitSHA is always a full,
// validated 40-character SHA; Ref names the tag or branch that satisfied the
// selector and is empty for literal commit pins.
type Resolved struct {
	CommitSHA string
	Ref       string
}

// NoMatchError reports that no ref of the source satisfies the selector.
type NoMatchError struct {
	Source   string
	Selector manifest.Selector
	Detail   string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("source %s: no match for %s: %s", e.Source, e.Selector, e.Detail)
}

// AmbiguousCommitError reports a short commit prefix matching several
// objects; the manifest author has to supply a longer prefix.
type AmbiguousCommitError struct {
	Source string
	Prefix string
}

func (e *AmbiguousCommitError) Error() string {
	return fmt.Sprintf("source %s: commit prefix %q is ambiguous, use a longer prefix", e.Source, e.Prefix)
}

// Resolver resolves version selectors against cached repositories.
type Resolver struct {
	cache *repocache.Cache

	mu      sync.Mutex
	results map[Key]Resolved
}

func New(cache *repocache.Cache) *Resolver {
	return &Resolver{
		cache:   cache,
		results: make(map[Key]Resolved),
	}
}

// Resolve resolves every request and returns the results keyed by their
// deduplication key. Sources are processed in parallel; all selectors for one
// source observe the same ref snapshot. A failed key fails the whole batch,
// no partial results are returned.
func (r *Resolver) Resolve(ctx context.Context, reqs []Request) (map[Key]Resolved, error) {
	pending := make(map[string][]Request)
	keys := make(map[Key]struct{}, len(reqs))

	r.mu.Lock()
	for _, req := range reqs {
		key := req.Key()
		keys[key] = struct{}{}
		if _, done := r.results[key]; done {
			continue
		}
		// Deduplicate within the batch as well.
		duplicate := false
		for _, queued := range pending[key.Source] {
			if queued.Key() == key {
				duplicate = true
				break
			}
		}
		if !duplicate {
			pending[key.Source] = append(pending[key.Source], req)
		}
	}
	r.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, group := range pending {
		group := group
		eg.Go(func() error {
			return r.resolveSource(egCtx, group)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(map[Key]Resolved, len(keys))
	r.mu.Lock()
	for key := range keys {
		out[key] = r.results[key]
	}
	r.mu.Unlock()
	return out, nil
}

// resolveSource ensures one repository and resolves all selectors queued for
// it against a single ref snapshot.
func (r *Resolver) resolveSource(ctx context.Context, reqs []Request) error {
	src := reqs[0].Source
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "resolve"), slog.String("source", src.Name))

	repo, err := r.cache.Ensure(ctx, src)
	if err != nil {
		return err
	}
	if repo.Local() {
		return fmt.Errorf("source %s: version selectors cannot be resolved against an unversioned directory", src.Name)
	}

	// Commit pins need no ref lookup; take the snapshot only when some
	// selector actually matches against refs.
	var refs *repocache.RefSnapshot
	for _, req := range reqs {
		if req.Selector.Kind != manifest.SelectorCommit {
			if refs, err = repo.Refs(ctx); err != nil {
				return err
			}
			break
		}
	}

	for _, req := range reqs {
		resolved, err := resolveSelector(ctx, repo, refs, src.Name, req.Selector)
		if err != nil {
			return err
		}
		logger.DebugContext(ctx, "resolved selector",
			slog.String("selector", req.Selector.String()),
			slog.String("commit", resolved.CommitSHA),
			slog.String("ref", resolved.Ref))
		r.mu.Lock()
		r.results[req.Key()] = resolved
		r.mu.Unlock()
	}
	return nil
}

func resolveSelector(ctx context.Context, repo *repocache.Repo, refs *repocache.RefSnapshot, source string, sel manifest.Selector) (Resolved, error) {
	switch sel.Kind {
	case manifest.SelectorCommit:
		sha, err := repo.ResolveCommit(ctx, sel.Value)
		if err != nil {
			if errors.Is(err, repocache.ErrAmbiguousCommit) {
				return Resolved{}, &AmbiguousCommitError{Source: source, Prefix: sel.Value}
			}
			return Resolved{}, &NoMatchError{Source: source, Selector: sel, Detail: err.Error()}
		}
		return Resolved{CommitSHA: sha}, nil

	case manifest.SelectorBranch:
		sha, ok := refs.Branches[sel.Value]
		if !ok {
			return Resolved{}, &NoMatchError{Source: source, Selector: sel, Detail: "branch does not exist"}
		}
		return Resolved{CommitSHA: sha, Ref: sel.Value}, nil

	case manifest.SelectorTag:
		for _, candidate := range tagCandidates(sel.Value) {
			if sha, ok := refs.Tags[candidate]; ok {
				return Resolved{CommitSHA: sha, Ref: candidate}, nil
			}
		}
		return Resolved{}, &NoMatchError{Source: source, Selector: sel, Detail: "tag does not exist"}

	case manifest.SelectorRange:
		constraint, err := semver.NewConstraint(sel.Value)
		if err != nil {
			return Resolved{}, fmt.Errorf("selector %s: %w", sel, err)
		}
		tag, sha, ok := maxTag(refs.Tags, func(v *semver.Version) bool {
			return constraint.Check(v)
		})
		if !ok {
			return Resolved{}, &NoMatchError{Source: source, Selector: sel, Detail: "no tag satisfies the constraint"}
		}
		return Resolved{CommitSHA: sha, Ref: tag}, nil

	case manifest.SelectorLatest:
		tag, sha, ok := maxTag(refs.Tags, func(v *semver.Version) bool {
			return v.Prerelease() == ""
		})
		if !ok {
			return Resolved{}, &NoMatchError{Source: source, Selector: sel, Detail: "no stable version tags"}
		}
		return Resolved{CommitSHA: sha, Ref: tag}, nil

	case manifest.SelectorAny:
		if tag, sha, ok := maxTag(refs.Tags, func(*semver.Version) bool { return true }); ok {
			return Resolved{CommitSHA: sha, Ref: tag}, nil
		}
		if sha, ok := refs.Branches[refs.DefaultBranch]; ok && refs.DefaultBranch != "" {
			return Resolved{CommitSHA: sha, Ref: refs.DefaultBranch}, nil
		}
		return Resolved{}, &NoMatchError{Source: source, Selector: sel, Detail: "no version tags and no default branch"}
	}
	return Resolved{}, fmt.Errorf("unsupported selector kind %q", sel.Kind)
}

// tagCandidates lists the tag names an exact selector matches: the literal
// name plus its counterpart with the leading "v" added or removed.
func tagCandidates(name string) []string {
	if after, found := cutV(name); found {
		return []string{name, after}
	}
	return []string{name, "v" + name}
}

func cutV(name string) (string, bool) {
	if len(name) > 1 && name[0] == 'v' && name[1] >= '0' && name[1] <= '9' {
		return name[1:], true
	}
	return name, false
}

// maxTag returns the highest tag parseable as a semantic version that
// satisfies the predicate. Ties between distinct tag names spelling the same
// version are broken lexicographically for determinism.
func maxTag(tags map[string]string, match func(*semver.Version) bool) (string, string, bool) {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	var bestName string
	var best *semver.Version
	for _, name := range names {
		v, err := semver.NewVersion(name)
		if err != nil {
			continue
		}
		if !match(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestName = v, name
		}
	}
	if best == nil {
		return "", "", false
	}
	return bestName, tags[bestName], true
}
