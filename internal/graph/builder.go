package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	slogcontext "github.com/veqryn/slog-context"

	"graft.software/graft/internal/dag"
	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/metadata"
	"graft.software/graft/internal/repocache"
	"graft.software/graft/internal/resolver"
)

// MetadataParser extracts transitive dependency declarations from raw
// resource bytes. The builder never interprets file formats itself.
type MetadataParser func(raw []byte) ([]metadata.Declaration, error)

// Builder drives resolution to a closed install plan. State machine per run:
// Seed -> Expand (fixed point) -> Reconcile -> Order -> Closed.
type Builder struct {
	resolver  *resolver.Resolver
	cache     *repocache.Cache
	parse     MetadataParser
	overrides map[string]manifest.Selector
}

func NewBuilder(res *resolver.Resolver, cache *repocache.Cache) *Builder {
	return &Builder{
		resolver: res,
		cache:    cache,
		parse:    metadata.Parse,
	}
}

// WithMetadataParser substitutes the resource-metadata parser.
func (b *Builder) WithMetadataParser(parse MetadataParser) *Builder {
	b.parse = parse
	return b
}

// WithSelectorOverrides substitutes the resolution selector of named direct
// dependencies without touching the parsed manifest. The plan still records
// the declared selector; only what resolution asks for changes. Selective
// update holds unnamed dependencies at their locked commit this way.
func (b *Builder) WithSelectorOverrides(overrides map[string]manifest.Selector) *Builder {
	b.overrides = overrides
	return b
}

type build struct {
	*Builder
	manifest *manifest.Manifest
	graph    *dag.Graph[string]
	nodes    map[string]*Node
	order    []string
	// expanded tracks (node, commit) pairs whose checkout was already read
	// for transitive declarations.
	expanded map[string]struct{}
	// checkouts caches the worktree path per plan resource.
	checkouts map[string]string
}

// Build computes the install plan for the manifest. Any fatal error aborts
// the whole resolution; no partial plan is returned.
func (b *Builder) Build(ctx context.Context, m *manifest.Manifest) (*Plan, error) {
	run := &build{
		Builder:   b,
		manifest:  m,
		graph:     dag.New[string](),
		nodes:     make(map[string]*Node),
		expanded:  make(map[string]struct{}),
		checkouts: make(map[string]string),
	}
	if err := run.seed(); err != nil {
		return nil, err
	}
	// Reconciliation can settle on a commit no single requester resolved on
	// its own (a range conjunction), whose checkout was therefore never read
	// for transitive declarations. Re-enter expansion until every winner has
	// been expanded; the expanded set only grows, so this terminates.
	for {
		if err := run.expand(ctx); err != nil {
			return nil, err
		}
		if err := run.reconcile(ctx); err != nil {
			return nil, err
		}
		if !run.needsExpansion() {
			break
		}
	}
	return run.close(ctx)
}

// needsExpansion reports whether any reconciled winner selected a commit
// whose checkout has not been read for transitive declarations yet.
func (run *build) needsExpansion() bool {
	for _, id := range run.order {
		node := run.nodes[id]
		if node.Source == nil || !isGitSource(node.Source) {
			continue
		}
		winner := node.requirements[0]
		if !winner.done {
			continue
		}
		if _, ok := run.expanded[node.ID+"@"+winner.resolved.commit]; !ok {
			return true
		}
	}
	return false
}

// seed loads the manifest's direct dependencies as initial nodes in
// declaration order. Every declaration becomes one ref on its node, so
// declarations sharing a (source, path) each keep their own name, target and
// declared selector.
func (run *build) seed() error {
	for _, name := range run.manifest.Order {
		dep := run.manifest.Dependencies[name]
		var src *manifest.Source
		if dep.Source != "" {
			src = run.manifest.Sources[dep.Source]
		}
		node, err := run.addNode(src, dep.Path, dep.Type, name)
		if err != nil {
			return err
		}
		target := dep.Target
		if target == "" {
			target = dep.Path
		}
		node.refs = append(node.refs, resourceRef{
			name:     name,
			target:   target,
			render:   dep.Render,
			selector: dep.Selector,
		})
		node.direct = true

		selector := dep.Selector
		if override, ok := run.overrides[name]; ok {
			selector = override
		}
		node.requirements = append(node.requirements, &requirement{
			selector: selector,
			chain:    []string{name},
		})
	}
	return nil
}

// addNode returns the node for (source, path), creating it on first sight.
func (run *build) addNode(src *manifest.Source, resourcePath, resourceType, name string) (*Node, error) {
	id := NodeID(src, resourcePath)
	if node, ok := run.nodes[id]; ok {
		return node, nil
	}
	node := &Node{
		ID:     id,
		Type:   resourceType,
		Name:   name,
		Source: src,
		Path:   resourcePath,
	}
	run.nodes[id] = node
	run.order = append(run.order, id)
	if err := run.graph.AddVertex(id); err != nil {
		return nil, err
	}
	return node, nil
}

// expand iterates resolution and discovery until a full pass adds no new
// work: the fixed point of the transitive closure.
func (run *build) expand(ctx context.Context) error {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "graph"))
	for round := 0; ; round++ {
		requests := run.pendingRequests()
		if len(requests) > 0 {
			results, err := run.resolver.Resolve(ctx, requests)
			if err != nil {
				return err
			}
			run.applyResults(results)
		}

		discovered, err := run.discover(ctx)
		if err != nil {
			return err
		}
		logger.DebugContext(ctx, "expansion round complete",
			slog.Int("round", round),
			slog.Int("resolved", len(requests)),
			slog.Int("discovered", discovered),
			slog.Int("nodes", len(run.nodes)))
		if len(requests) == 0 && discovered == 0 {
			return nil
		}
	}
}

// pendingRequests collects every unresolved requirement of versioned nodes.
func (run *build) pendingRequests() []resolver.Request {
	var requests []resolver.Request
	for _, id := range run.order {
		node := run.nodes[id]
		if node.Source == nil || !isGitSource(node.Source) {
			continue
		}
		for _, req := range node.requirements {
			if !req.done {
				requests = append(requests, resolver.Request{Source: node.Source, Selector: req.selector})
			}
		}
	}
	return requests
}

// isGitSource reports whether the source has versioned history. Local paths
// may be git repositories; plain directories are unversioned.
func isGitSource(src *manifest.Source) bool {
	if src.URL != "" {
		return true
	}
	info, err := os.Stat(filepath.Join(src.Path, ".git"))
	if err == nil && info != nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(src.Path, "HEAD")); err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(src.Path, "objects"))
	return err == nil
}

func (run *build) applyResults(results map[resolver.Key]resolver.Resolved) {
	for _, node := range run.nodes {
		if node.Source == nil {
			continue
		}
		for _, req := range node.requirements {
			if req.done {
				continue
			}
			key := resolver.Key{Source: node.Source.Identity(), Selector: req.selector.String()}
			if res, ok := results[key]; ok {
				req.resolved = resolved{commit: res.CommitSHA, ref: res.Ref}
				req.done = true
			}
		}
	}
}

// discover reads the checkout of every newly resolved requirement and adds
// the transitive dependencies its resource files declare. Returns the number
// of (node, commit) pairs processed.
func (run *build) discover(ctx context.Context) (int, error) {
	processed := 0
	// Iterate over a stable snapshot; discovery appends new nodes.
	for i := 0; i < len(run.order); i++ {
		node := run.nodes[run.order[i]]
		if node.Source == nil || !isGitSource(node.Source) {
			key := node.ID + "@local"
			if _, ok := run.expanded[key]; ok {
				continue
			}
			run.expanded[key] = struct{}{}
			processed++
			if err := run.discoverIn(ctx, node, node.requirements[0], run.localDir(node)); err != nil {
				return processed, err
			}
			continue
		}
		for _, req := range node.requirements {
			if !req.done {
				continue
			}
			key := node.ID + "@" + req.resolved.commit
			if _, ok := run.expanded[key]; ok {
				continue
			}
			run.expanded[key] = struct{}{}
			processed++

			repo, err := run.cache.Ensure(ctx, node.Source)
			if err != nil {
				return processed, err
			}
			checkout, err := repo.Checkout(ctx, req.resolved.commit)
			if err != nil {
				return processed, err
			}
			if err := run.discoverIn(ctx, node, req, checkout); err != nil {
				return processed, err
			}
		}
	}
	return processed, nil
}

// localDir returns the directory local resources are read from: the plain
// directory source, or the manifest directory for direct-path dependencies.
func (run *build) localDir(node *Node) string {
	if node.Source != nil {
		return node.Source.Path
	}
	return run.manifest.Dir
}

// discoverIn parses the resource files of node inside dir and registers the
// dependencies they declare.
func (run *build) discoverIn(ctx context.Context, node *Node, req *requirement, dir string) error {
	files, err := MatchResourceFiles(dir, node.Path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &MissingResourceError{Node: node.displayName(), Path: node.Path}
	}
	for _, file := range files {
		raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(file)))
		if err != nil {
			return fmt.Errorf("reading resource %s: %w", node.displayName(), err)
		}
		declarations, err := run.parse(raw)
		if err != nil {
			return fmt.Errorf("resource %s: %w", node.displayName(), err)
		}
		for _, decl := range declarations {
			if err := run.addDeclaration(node, req, decl); err != nil {
				return err
			}
		}
	}
	return nil
}

// addDeclaration adds one transitive dependency declared by parent. Source
// and selector are inherited from the requesting requirement when omitted.
func (run *build) addDeclaration(parent *Node, req *requirement, decl metadata.Declaration) error {
	src := parent.Source
	if decl.Source != "" {
		named, ok := run.manifest.Sources[decl.Source]
		if !ok {
			return fmt.Errorf("resource %s declares dependency on unknown source %q", parent.displayName(), decl.Source)
		}
		src = named
	}

	selector := req.selector
	if decl.Version != "" {
		parsed, err := manifest.ParseSelector("", "", decl.Version)
		if err != nil {
			return fmt.Errorf("resource %s: dependency %s: %w", parent.displayName(), decl.Path, err)
		}
		selector = parsed
	} else if decl.Source != "" && decl.Source != sourceName(parent.Source) {
		// A cross-source declaration without a version cannot inherit the
		// parent's pin, it refers to different history.
		selector = manifest.Selector{Kind: manifest.SelectorAny}
	}
	if src == nil || !isGitSource(src) {
		selector = manifest.Selector{Kind: manifest.SelectorAny}
	}

	child, err := run.addNode(src, decl.Path, parent.Type, decl.Path)
	if err != nil {
		return err
	}

	if err := run.graph.AddEdge(parent.ID, child.ID); err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return fmt.Errorf("circular dependency: %w", cycle)
		}
		return err
	}

	chain := append(append([]string{}, req.chain...), decl.Path)
	for _, existing := range child.requirements {
		if existing.selector == selector {
			return nil
		}
	}
	child.requirements = append(child.requirements, &requirement{
		selector: selector,
		chain:    chain,
	})
	return nil
}

func sourceName(src *manifest.Source) string {
	if src == nil {
		return ""
	}
	return src.Name
}

func (n *Node) displayName() string {
	if n.Source != nil {
		return fmt.Sprintf("%s:%s", n.Source.Name, n.Path)
	}
	return n.Path
}

// MatchResourceFiles expands a path or glob relative to dir into the slash
// paths of matching regular files. The installer applies the same matching to
// the final checkouts, so plan and installation always agree on the file set.
func MatchResourceFiles(dir, pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(pattern)))
		if err != nil || info.IsDir() {
			return nil, nil
		}
		return []string{pattern}, nil
	}
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	var files []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		slashed := filepath.ToSlash(rel)
		if slashed == ".git" {
			return nil
		}
		if matcher.Match(slashed) {
			files = append(files, slashed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ExpandTargets maps a resource's matched files onto the install-root
// relative destinations they write. A plain path installs its single file at
// target; a glob keeps the checkout-relative layout, one destination per
// matched file. Files are returned sorted, destinations index-aligned, so
// plan-time collision checks and the installer see the same write set.
func ExpandTargets(checkout, pattern, target string) (files, dests []string, err error) {
	files, err = MatchResourceFiles(checkout, pattern)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, nil
	}
	sort.Strings(files)
	if !strings.ContainsAny(pattern, "*?[{") {
		return files, []string{target}, nil
	}
	return files, files, nil
}

// writeClaim records who plans to write an install destination and where the
// bytes come from.
type writeClaim struct {
	owner string
	// provenance identifies the written content: source, commit, checkout
	// file and whether it is rendered. Claims with equal provenance write
	// identical bytes and may share a destination.
	provenance string
}

// close orders the reconciled graph and assembles the plan. The duplicate
// write check runs over the expanded destination set, so overlapping globs
// and glob-vs-file collisions surface here instead of racing at install
// time. A glob naturally covers files that other resources of the same
// commit also name; such same-bytes overlaps are not conflicts.
func (run *build) close(ctx context.Context) (*Plan, error) {
	plan := &Plan{Edges: make(map[string][]string)}
	claims := make(map[string]writeClaim)

	claim := func(node *Node, commit, checkout, target, owner string, render bool) error {
		files, dests, err := ExpandTargets(checkout, node.Path, target)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return &MissingResourceError{Node: node.displayName(), Path: node.Path}
		}
		for i, dest := range dests {
			file := files[0]
			if len(dests) == len(files) {
				file = files[i]
			}
			provenance := NodeID(node.Source, file) + "\x00" + commit
			if render {
				// Rendered output depends on the declaring entry, not just
				// the source file.
				provenance += "\x00render\x00" + owner
			}
			next := writeClaim{owner: owner, provenance: provenance}
			if prev, dup := claims[dest]; dup {
				if prev.provenance == next.provenance {
					continue
				}
				return &DuplicateTargetError{Target: dest, Resources: []string{prev.owner, owner}}
			}
			claims[dest] = next
		}
		return nil
	}

	for _, id := range run.graph.TopologicalSort() {
		node := run.nodes[id]
		final := node.requirements[0]

		checkout, err := run.checkoutFor(ctx, node, final)
		if err != nil {
			return nil, err
		}
		base := Resource{
			ID:       node.ID,
			Type:     node.Type,
			Source:   node.Source,
			Path:     node.Path,
			Commit:   final.resolved.commit,
			Ref:      final.resolved.ref,
			Checkout: checkout,
		}

		if len(node.refs) == 0 {
			res := base
			res.Name = node.Name
			res.Selector = final.selector
			res.Target = node.Path
			if err := claim(node, res.Commit, checkout, res.Target, node.displayName(), false); err != nil {
				return nil, err
			}
			plan.Resources = append(plan.Resources, res)
		}
		// One resource per manifest declaration. Each records its declared
		// selector, not the reconciled winner, so the lockfile mirrors the
		// manifest entry even when another requester decided the commit.
		for i, ref := range node.refs {
			res := base
			if i > 0 {
				res.ID = node.ID + "#" + ref.name
			}
			res.Name = ref.name
			res.Selector = ref.selector
			res.Target = ref.target
			res.Render = ref.render
			res.Direct = true
			if err := claim(node, res.Commit, checkout, res.Target, ref.name, ref.render); err != nil {
				return nil, err
			}
			plan.Resources = append(plan.Resources, res)
		}
		plan.Edges[id] = run.graph.EdgesOf(id)
	}
	return plan, nil
}

func (run *build) checkoutFor(ctx context.Context, node *Node, req *requirement) (string, error) {
	if node.Source == nil || !isGitSource(node.Source) {
		return run.localDir(node), nil
	}
	repo, err := run.cache.Ensure(ctx, node.Source)
	if err != nil {
		return "", err
	}
	return repo.Checkout(ctx, req.resolved.commit)
}
