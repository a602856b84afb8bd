package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"graft.software/graft/internal/flags/file"
	"graft.software/graft/internal/graph"
	"graft.software/graft/internal/lockfile"
	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/repocache"
	"graft.software/graft/internal/resolver"
)

// ManifestPath returns the manifest location from the flag, absolutized.
func ManifestPath(cmd *cobra.Command) (string, error) {
	flag, err := file.Get(cmd.Flags(), ManifestFlag)
	if err != nil {
		return "", err
	}
	return filepath.Abs(flag.String())
}

// Manifest loads and validates the manifest named by the flag.
func Manifest(cmd *cobra.Command) (*manifest.Manifest, error) {
	path, err := ManifestPath(cmd)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", path, err)
	}
	return m, nil
}

// CacheDir resolves the cache root: flag, then environment, then the user
// cache directory.
func CacheDir(cmd *cobra.Command) (string, error) {
	dir, err := cmd.Flags().GetString(CacheDirFlag)
	if err != nil {
		return "", err
	}
	if dir != "" {
		return dir, nil
	}
	if env := os.Getenv(CacheDirEnv); env != "" {
		return env, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining cache directory: %w", err)
	}
	return filepath.Join(base, "graft"), nil
}

// Cache constructs the repository cache configured by the global flags.
func Cache(cmd *cobra.Command) (*repocache.Cache, error) {
	dir, err := CacheDir(cmd)
	if err != nil {
		return nil, err
	}
	concurrency, err := cmd.Flags().GetInt64(GitConcurrencyFlag)
	if err != nil {
		return nil, err
	}
	return repocache.New(dir, repocache.WithGitConcurrency(concurrency))
}

// Resolver constructs a selector resolver over the configured cache.
func Resolver(cmd *cobra.Command) (*resolver.Resolver, error) {
	cache, err := Cache(cmd)
	if err != nil {
		return nil, err
	}
	return resolver.New(cache), nil
}

// Builder wires cache, resolver and graph builder together.
func Builder(cmd *cobra.Command) (*graph.Builder, *repocache.Cache, error) {
	cache, err := Cache(cmd)
	if err != nil {
		return nil, nil, err
	}
	return graph.NewBuilder(resolver.New(cache), cache), cache, nil
}

// PlanFromLock reconstructs an installable plan from lockfile entries without
// re-resolving any selector. Entries with a resolved commit check out exactly
// that commit; entries without one are unversioned local files.
func PlanFromLock(ctx context.Context, cmd *cobra.Command, m *manifest.Manifest, lock *lockfile.File) (*graph.Plan, error) {
	cache, err := Cache(cmd)
	if err != nil {
		return nil, err
	}

	plan := &graph.Plan{Edges: make(map[string][]string)}
	seen := make(map[string]struct{}, len(lock.Entries))
	for _, entry := range lock.Entries {
		res := graph.Resource{
			Type:   entry.Type,
			Name:   entry.Name,
			Path:   entry.Path,
			Commit: entry.Commit,
			Ref:    entry.Ref,
			Target: entry.Target,
			Direct: entry.Direct,
		}
		if entry.Source != "" {
			src, ok := m.Sources[entry.Source]
			if !ok {
				return nil, fmt.Errorf("lockfile entry %s references unknown source %q", entry.Name, entry.Source)
			}
			res.Source = src
		}
		if dep, ok := m.Dependencies[entry.Name]; ok && entry.Direct {
			res.Render = dep.Render
		}

		switch {
		case entry.Commit != "":
			repo, err := cache.Ensure(ctx, res.Source)
			if err != nil {
				return nil, err
			}
			if res.Checkout, err = repo.Checkout(ctx, entry.Commit); err != nil {
				return nil, err
			}
		case res.Source != nil:
			res.Checkout = res.Source.Path
		default:
			res.Checkout = m.Dir
		}
		// Entries sharing (source, path) are further declarations of one
		// resource; disambiguate the way the plan does.
		res.ID = graph.NodeID(res.Source, res.Path)
		if _, dup := seen[res.ID]; dup {
			res.ID += "#" + entry.Name
		}
		seen[res.ID] = struct{}{}
		plan.Resources = append(plan.Resources, res)
	}
	return plan, nil
}
