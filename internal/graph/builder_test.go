package graph_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graft.software/graft/internal/gitcmd/gittest"
	"graft.software/graft/internal/graph"
	"graft.software/graft/internal/lockfile"
	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/repocache"
	"graft.software/graft/internal/resolver"
)

const remote = "https://example.com/acme/tools.git"

func sha(c byte) string {
	return strings.Repeat(string(c), 40)
}

// frontmatter renders a dependencies block for a scripted resource file.
func frontmatter(deps ...string) string {
	var sb strings.Builder
	sb.WriteString("---\ndependencies:\n")
	for _, d := range deps {
		sb.WriteString("  - " + d + "\n")
	}
	sb.WriteString("---\nbody\n")
	return sb.String()
}

type fixture struct {
	runner  *gittest.Runner
	builder *graph.Builder
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner := gittest.New()
	cache, err := repocache.New(t.TempDir(), repocache.WithRunner(runner))
	require.NoError(t, err)
	return &fixture{
		runner:  runner,
		builder: graph.NewBuilder(resolver.New(cache), cache),
		dir:     t.TempDir(),
	}
}

func (f *fixture) parse(t *testing.T, toml string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(toml), f.dir)
	require.NoError(t, err)
	return m
}

func planIDs(plan *graph.Plan) []string {
	ids := make([]string, len(plan.Resources))
	for i, res := range plan.Resources {
		ids[i] = res.Path
	}
	return ids
}

func TestBuild_TransitiveDiscoveryAndOrder(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('a')},
		Files: map[string]map[string]string{
			sha('a'): {
				"agents/helper.md":   frontmatter("path: snippets/shared.md", "path: scripts/setup.sh"),
				"snippets/shared.md": frontmatter("path: scripts/setup.sh"),
				"scripts/setup.sh":   "#!/bin/sh\n",
			},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
helper = { source = "tools", path = "agents/helper.md", version = "^1.0.0" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	r.Len(plan.Resources, 3)

	// Dependencies come before their dependents.
	assert.Equal(t, []string{"scripts/setup.sh", "snippets/shared.md", "agents/helper.md"}, planIDs(plan))

	helper := plan.Resources[2]
	assert.Equal(t, "helper", helper.Name)
	assert.Equal(t, sha('a'), helper.Commit)
	assert.Equal(t, "v1.0.0", helper.Ref)
	assert.DirExists(t, helper.Checkout)
	r.Len(plan.Edges[helper.ID], 2)
}

func TestBuild_DeclarationOrderBreaksTies(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('a')},
		Files: map[string]map[string]string{
			sha('a'): {
				"b.md": "b\n",
				"a.md": "a\n",
				"c.md": "c\n",
			},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
second = { source = "tools", path = "b.md", version = "^1.0.0" }
first = { source = "tools", path = "a.md", version = "^1.0.0" }
third = { source = "tools", path = "c.md", version = "^1.0.0" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	assert.Equal(t, []string{"b.md", "a.md", "c.md"}, planIDs(plan), "independent resources keep manifest declaration order")
}

func TestBuild_CycleFails(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('a')},
		Files: map[string]map[string]string{
			sha('a'): {
				"a.md": frontmatter("path: b.md"),
				"b.md": frontmatter("path: a.md"),
			},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
a = { source = "tools", path = "a.md", version = "^1.0.0" }
`)

	_, err := f.builder.Build(context.Background(), m)
	require.ErrorContains(t, err, "circular dependency")
	assert.Contains(t, err.Error(), "a.md")
	assert.Contains(t, err.Error(), "b.md")
}

func TestBuild_ConflictSpecificBeatsLatest(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags: map[string]string{
			"v1.0.0": sha('b'),
			"v1.3.0": sha('c'),
		},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "old\n"},
			sha('c'): {"a.md": "new\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
ranged = { source = "tools", path = "a.md", version = "^1.0.0" }
floating = { source = "tools", path = "a.md", version = "latest" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	// Both declarations stay visible in the plan; the specific one decided
	// the commit and each records the selector it declared.
	r.Len(plan.Resources, 2)
	ranged, floating := plan.Resources[0], plan.Resources[1]
	assert.Equal(t, "ranged", ranged.Name)
	assert.Equal(t, "range:^1.0.0", ranged.Selector.String())
	assert.Equal(t, "floating", floating.Name)
	assert.Equal(t, "latest", floating.Selector.String())
	for _, res := range plan.Resources {
		assert.Equal(t, sha('c'), res.Commit)
		assert.Equal(t, "v1.3.0", res.Ref)
	}
}

func TestBuild_DisjointRangesFail(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags: map[string]string{
			"v1.2.0": sha('b'),
			"v2.1.0": sha('c'),
		},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "v1\n"},
			sha('c'): {"a.md": "v2\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
one = { source = "tools", path = "a.md", version = "^1.0.0" }
two = { source = "tools", path = "a.md", version = "^2.0.0" }
`)

	_, err := f.builder.Build(context.Background(), m)
	var conflict *graph.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Direct, "both requesters are manifest entries")
	require.Len(t, conflict.Requesters, 2)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
	assert.Contains(t, err.Error(), "conflicting manifest declarations")
}

func TestBuild_OverlappingRangesMergeToIntersection(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags: map[string]string{
			"v1.0.5": sha('b'),
			"v1.0.9": sha('c'),
			"v1.2.0": sha('d'),
		},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "x\n"},
			sha('c'): {"a.md": "x\n"},
			sha('d'): {"a.md": "x\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
wide = { source = "tools", path = "a.md", version = "^1.0.0" }
narrow = { source = "tools", path = "a.md", version = "~1.0.0" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	r.Len(plan.Resources, 2)
	for _, res := range plan.Resources {
		assert.Equal(t, "v1.0.9", res.Ref, "highest tag satisfying both ranges")
		assert.Equal(t, sha('c'), res.Commit)
	}
}

func TestBuild_CommitPinAgainstDifferentTagFails(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.2.0": sha('c')},
		Commits:       []string{sha('b')},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "pinned\n"},
			sha('c'): {"a.md": "tagged\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
pinned = { source = "tools", path = "a.md", rev = "`+sha('b')+`" }
ranged = { source = "tools", path = "a.md", version = "^1.0.0" }
`)

	_, err := f.builder.Build(context.Background(), m)
	var conflict *graph.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestBuild_CommitPinMatchingTagMerges(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.2.0": sha('b')},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "same\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
pinned = { source = "tools", path = "a.md", rev = "`+sha('b')+`" }
ranged = { source = "tools", path = "a.md", version = "^1.0.0" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	r.Len(plan.Resources, 2)
	for _, res := range plan.Resources {
		assert.Equal(t, sha('b'), res.Commit)
	}
}

func TestBuild_TransitiveConflictReportsChains(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags: map[string]string{
			"v1.2.0": sha('b'),
			"v2.1.0": sha('c'),
		},
		Files: map[string]map[string]string{
			sha('b'): {
				"a.md":      frontmatter(`{ path: shared.md, version: "^1.0.0" }`),
				"b.md":      frontmatter(`{ path: shared.md, version: "^2.0.0" }`),
				"shared.md": "s\n",
			},
			sha('c'): {
				"shared.md": "s\n",
			},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
a = { source = "tools", path = "a.md", version = "1.2.0" }
b = { source = "tools", path = "b.md", version = "1.2.0" }
`)

	_, err := f.builder.Build(context.Background(), m)
	var conflict *graph.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, conflict.Direct)
	assert.Contains(t, err.Error(), "a -> shared.md")
	assert.Contains(t, err.Error(), "b -> shared.md")
}

func TestBuild_LocalDirectPathDependency(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	r.NoError(os.MkdirAll(filepath.Join(f.dir, "snippets"), 0o755))
	r.NoError(os.WriteFile(filepath.Join(f.dir, "snippets", "local.md"), []byte("local\n"), 0o644))

	m := f.parse(t, `
[dependencies]
local = { path = "snippets/local.md" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	r.Len(plan.Resources, 1)
	res := plan.Resources[0]
	assert.Empty(t, res.Commit)
	assert.Empty(t, res.Ref)
	assert.Equal(t, f.dir, res.Checkout)
	assert.Equal(t, 0, f.runner.Calls("clone"), "local files never touch git")
}

func TestBuild_PlainDirectorySource(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	shared := t.TempDir()
	r.NoError(os.WriteFile(filepath.Join(shared, "x.md"), []byte("x\n"), 0o644))

	m := f.parse(t, `
[sources]
shared = { path = "`+shared+`" }

[dependencies]
x = { source = "shared", path = "x.md" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	r.Len(plan.Resources, 1)
	assert.Equal(t, shared, plan.Resources[0].Checkout)
}

func TestBuild_GlobResources(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('a')},
		Files: map[string]map[string]string{
			sha('a'): {
				"scripts/one.sh": "1\n",
				"scripts/two.sh": frontmatter("path: scripts/one.sh"),
				"scripts/keep":   "not matched\n",
			},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
scripts = { source = "tools", path = "scripts/*.sh", version = "^1.0.0" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	// The glob resource plus the transitive single-file dependency declared
	// inside one of its files.
	r.Len(plan.Resources, 2)
	assert.Equal(t, []string{"scripts/one.sh", "scripts/*.sh"}, planIDs(plan))
}

func TestBuild_MissingResourceFails(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('a')},
		Files:         map[string]map[string]string{sha('a'): {"other.md": "x\n"}},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
ghost = { source = "tools", path = "missing.md", version = "^1.0.0" }
`)

	_, err := f.builder.Build(context.Background(), m)
	var missing *graph.MissingResourceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "missing.md", missing.Path)
}

func TestBuild_SharedPathDeclarationsKeepBothEntries(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('b')},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "content\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
pinned = { source = "tools", path = "a.md", rev = "`+sha('b')+`" }
ranged = { source = "tools", path = "a.md", version = "^1.0.0", target = "ranged.md" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)
	// Two declarations of one file are two plan resources: each keeps its
	// name, declared selector and target.
	r.Len(plan.Resources, 2)
	pinned, ranged := plan.Resources[0], plan.Resources[1]
	assert.Equal(t, "pinned", pinned.Name)
	assert.Equal(t, "a.md", pinned.Target)
	assert.Equal(t, "commit:"+sha('b'), pinned.Selector.String())
	assert.Equal(t, "ranged", ranged.Name)
	assert.Equal(t, "ranged.md", ranged.Target)
	assert.Equal(t, "range:^1.0.0", ranged.Selector.String())
	assert.NotEqual(t, pinned.ID, ranged.ID)

	// The generated lockfile carries an entry per declaration and is not
	// stale against the very manifest that produced it.
	file := lockfile.Generate(plan, nil)
	r.Len(file.Entries, 2)
	assert.Empty(t, lockfile.Check(m, file, lockfile.ModeStrict))
}

func TestBuild_OverlappingGlobsAtDifferentCommitsFail(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('b')},
		Commits:       []string{sha('c')},
		Files: map[string]map[string]string{
			sha('b'): {"docs/one.md": "old\n"},
			sha('c'): {"docs/one.md": "new\n", "docs/two.md": "x\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
released = { source = "tools", path = "docs/*.md", version = "^1.0.0" }
pinned = { source = "tools", path = "docs/on*.md", rev = "`+sha('c')+`" }
`)

	// Both globs expand to docs/one.md, at different commits: two writes of
	// different content to one destination.
	_, err := f.builder.Build(context.Background(), m)
	var dup *graph.DuplicateTargetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "docs/one.md", dup.Target)
}

func TestBuild_ConjunctionWinnerIsExpanded(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags: map[string]string{
			"v1.0.5": sha('b'),
			"v1.1.9": sha('c'),
			"v1.2.3": sha('d'),
		},
		Files: map[string]map[string]string{
			sha('b'): {
				"shared.md": frontmatter("path: extra.md"),
				"extra.md":  "x\n",
			},
			sha('c'): {
				"a.md":      frontmatter("path: shared.md"),
				"shared.md": "s\n",
			},
			sha('d'): {
				"b.md":      frontmatter("path: shared.md"),
				"shared.md": "s\n",
			},
		},
	})
	// The requesters resolve to v1.1.9 and v1.2.3; their conjunction admits
	// only v1.0.5, a commit neither side picked on its own. The declarations
	// of shared.md at that commit must still enter the graph.
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
a = { source = "tools", path = "a.md", version = ">=1.0.0, <1.2.0" }
b = { source = "tools", path = "b.md", version = "!=1.1.9, >=1.0.0" }
`)

	plan, err := f.builder.Build(context.Background(), m)
	r.NoError(err)

	byPath := make(map[string]graph.Resource)
	for _, res := range plan.Resources {
		byPath[res.Path] = res
	}
	shared, ok := byPath["shared.md"]
	r.True(ok)
	assert.Equal(t, sha('b'), shared.Commit)
	assert.Equal(t, "v1.0.5", shared.Ref)

	extra, ok := byPath["extra.md"]
	r.True(ok, "transitive declaration of the conjunction winner is part of the plan")
	assert.Equal(t, sha('b'), extra.Commit)
	assert.Contains(t, plan.Edges[shared.ID], extra.ID)
}

func TestBuild_SelectorOverridesPinResolutionOnly(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags: map[string]string{
			"v1.0.0": sha('b'),
			"v1.3.0": sha('c'),
		},
		Files: map[string]map[string]string{
			sha('b'): {"a.md": "old\n"},
			sha('c'): {"a.md": "new\n"},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
tool = { source = "tools", path = "a.md", version = "^1.0.0" }
`)

	overrides := map[string]manifest.Selector{
		"tool": {Kind: manifest.SelectorCommit, Value: sha('b')},
	}
	plan, err := f.builder.WithSelectorOverrides(overrides).Build(context.Background(), m)
	r.NoError(err)
	r.Len(plan.Resources, 1)
	res := plan.Resources[0]
	assert.Equal(t, sha('b'), res.Commit, "the override decides what resolves")
	assert.Equal(t, "range:^1.0.0", res.Selector.String(), "the plan records the declared selector")
	assert.Equal(t, "range:^1.0.0", m.Dependencies["tool"].Selector.String(), "the parsed manifest is untouched")
}

func TestBuild_DuplicateInstallTargetFails(t *testing.T) {
	f := newFixture(t)
	f.runner.AddRepo(remote, &gittest.Repo{
		DefaultBranch: "main",
		Branches:      map[string]string{"main": sha('a')},
		Tags:          map[string]string{"v1.0.0": sha('a')},
		Files: map[string]map[string]string{
			sha('a'): {
				"a.md": "a\n",
				"b.md": "b\n",
			},
		},
	})
	m := f.parse(t, `
[sources]
tools = "`+remote+`"

[dependencies]
a = { source = "tools", path = "a.md", version = "^1.0.0", target = "same.md" }
b = { source = "tools", path = "b.md", version = "^1.0.0", target = "same.md" }
`)

	_, err := f.builder.Build(context.Background(), m)
	var dup *graph.DuplicateTargetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "same.md", dup.Target)
}
