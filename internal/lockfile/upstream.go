package lockfile

import (
	"context"
	"fmt"

	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/resolver"
)

// KindUpstreamMoved reports a mutable selector whose current resolution no
// longer matches the locked commit: the remote moved on.
const KindUpstreamMoved StaleKind = "upstream-moved"

// CheckUpstream re-resolves the mutable selectors of direct entries and
// reports those whose locked commit differs from the current remote state.
// Branch heads and floating version selectors move; commit and tag pins are
// immutable and skipped. Unlike Check this contacts the remotes, so it is
// reserved for explicit staleness reporting; install keeps reproducing the
// locked commits offline.
func CheckUpstream(ctx context.Context, m *manifest.Manifest, file *File, res *resolver.Resolver) ([]StaleReason, error) {
	type pending struct {
		entry    *Entry
		selector manifest.Selector
		key      resolver.Key
	}
	var requests []resolver.Request
	var checks []pending
	for i := range file.Entries {
		entry := &file.Entries[i]
		if !entry.Direct || entry.Commit == "" {
			continue
		}
		dep, ok := m.Dependencies[entry.Name]
		if !ok || dep.Source == "" || !mutableSelector(dep.Selector) {
			continue
		}
		src, ok := m.Sources[dep.Source]
		if !ok {
			continue
		}
		req := resolver.Request{Source: src, Selector: dep.Selector}
		requests = append(requests, req)
		checks = append(checks, pending{entry: entry, selector: dep.Selector, key: req.Key()})
	}
	if len(requests) == 0 {
		return nil, nil
	}

	results, err := res.Resolve(ctx, requests)
	if err != nil {
		return nil, err
	}
	var reasons []StaleReason
	for _, check := range checks {
		current, ok := results[check.key]
		if !ok || current.CommitSHA == check.entry.Commit {
			continue
		}
		reasons = append(reasons, StaleReason{
			Kind: KindUpstreamMoved,
			Detail: fmt.Sprintf("dependency %q is locked at %s but %s now resolves to %s",
				check.entry.Name, abbrevCommit(check.entry.Commit), check.selector, abbrevCommit(current.CommitSHA)),
		})
	}
	return reasons, nil
}

// mutableSelector reports whether the selector can resolve differently as the
// remote moves. Commit pins are immutable by definition; tags are treated as
// immutable too, re-pointing a released tag is upstream misbehavior rather
// than ordinary drift.
func mutableSelector(sel manifest.Selector) bool {
	switch sel.Kind {
	case manifest.SelectorCommit, manifest.SelectorTag:
		return false
	}
	return true
}

func abbrevCommit(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
