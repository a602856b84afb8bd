package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	slogcontext "github.com/veqryn/slog-context"

	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/resolver"
)

// reconcile reduces each node's requirements to a single winner, applying
// the version conflict policy:
//
//  1. identical resolved commits merge without conflict;
//  2. Latest/Any yields to any specific selector;
//  3. commit and branch pins reconcile only on SHA equality;
//  4. two semver ranges merge to the best tag satisfying their conjunction,
//     or fail when no tag does;
//  5. otherwise the higher resolved version wins.
//
// Irreconcilable requirements fail with every requesting chain reported.
func (run *build) reconcile(ctx context.Context) error {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "graph"))
	for _, id := range run.order {
		node := run.nodes[id]
		if len(node.requirements) <= 1 {
			continue
		}
		winner := node.requirements[0]
		for _, next := range node.requirements[1:] {
			merged, err := run.merge(ctx, node, winner, next)
			if err != nil {
				return err
			}
			winner = merged
		}
		logger.DebugContext(ctx, "reconciled requirements",
			slog.String("resource", node.displayName()),
			slog.Int("requesters", len(node.requirements)),
			slog.String("selector", winner.selector.String()),
			slog.String("commit", winner.resolved.commit))
		node.requirements = []*requirement{winner}
	}
	return nil
}

// merge decides between two requirements on the same node, or fails with a
// ConflictError naming every requester.
func (run *build) merge(ctx context.Context, node *Node, a, b *requirement) (*requirement, error) {
	// One commit satisfies both: no conflict. Keep the specific selector so
	// the lockfile records the stronger requirement.
	if a.resolved.commit == b.resolved.commit {
		if !a.selector.IsSpecific() && b.selector.IsSpecific() {
			return b, nil
		}
		return a, nil
	}

	// Latest/Any yield to the specific side.
	if !a.selector.IsSpecific() {
		return b, nil
	}
	if !b.selector.IsSpecific() {
		return a, nil
	}

	// Commit and branch pins are exact; differing SHAs cannot be reconciled.
	for _, req := range []*requirement{a, b} {
		if req.selector.Kind == manifest.SelectorCommit || req.selector.Kind == manifest.SelectorBranch {
			return nil, run.conflictErr(node)
		}
	}

	if a.selector.Kind == manifest.SelectorRange && b.selector.Kind == manifest.SelectorRange {
		return run.mergeRanges(ctx, node, a, b)
	}

	// Both resolved to tags: the higher resolved version wins.
	va, errA := semver.NewVersion(a.resolved.ref)
	vb, errB := semver.NewVersion(b.resolved.ref)
	if errA != nil || errB != nil {
		return nil, run.conflictErr(node)
	}
	if vb.GreaterThan(va) {
		return b, nil
	}
	return a, nil
}

// mergeRanges resolves the conjunction of two range selectors against the
// same ref snapshot the individual resolutions used. An unsatisfiable
// conjunction is an irreconcilable conflict.
func (run *build) mergeRanges(ctx context.Context, node *Node, a, b *requirement) (*requirement, error) {
	combined := manifest.Selector{
		Kind:  manifest.SelectorRange,
		Value: fmt.Sprintf("%s, %s", a.selector.Value, b.selector.Value),
	}
	req := resolver.Request{Source: node.Source, Selector: combined}
	results, err := run.resolver.Resolve(ctx, []resolver.Request{req})
	if err != nil {
		var noMatch *resolver.NoMatchError
		if errors.As(err, &noMatch) {
			return nil, run.conflictErr(node)
		}
		return nil, err
	}
	res := results[req.Key()]
	switch res.CommitSHA {
	case a.resolved.commit:
		return a, nil
	case b.resolved.commit:
		return b, nil
	}
	// The conjunction selects a tag neither side picked on its own (possible
	// with disjunctive constraints); carry the combined selector forward.
	return &requirement{
		selector: combined,
		chain:    a.chain,
		resolved: resolved{commit: res.CommitSHA, ref: res.Ref},
		done:     true,
	}, nil
}

func (run *build) conflictErr(node *Node) *ConflictError {
	err := &ConflictError{Resource: node.displayName(), Direct: true}
	for _, req := range node.requirements {
		err.Requesters = append(err.Requesters, Requester{Selector: req.selector, Chain: req.chain})
		if len(req.chain) > 1 {
			err.Direct = false
		}
	}
	return err
}
