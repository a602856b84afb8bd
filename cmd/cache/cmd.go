// Package cache implements "graft cache": inspect and clean the repository
// cache.
package cache

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/internal/lockfile"
	"graft.software/graft/internal/repocache"
)

const (
	FlagAll     = "all"
	FlagMirrors = "mirrors"
	FlagMaxAge  = "max-age"

	// DefaultMaxAge is the worktree retention applied when no policy flag is
	// given.
	DefaultMaxAge = 30 * 24 * time.Hour
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the repository cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newInfo())
	cmd.AddCommand(newClean())
	return cmd
}

func newInfo() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show cached mirrors and worktrees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := graftcmd.Cache(cmd)
			if err != nil {
				return err
			}
			info, err := cache.Inspect()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cache root: %s\n", info.Root)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"MIRROR", "WORKTREES", "SIZE"})
			for _, mirror := range info.Mirrors {
				tw.AppendRow(table.Row{mirror.Key, len(mirror.Worktrees), formatBytes(mirror.Size)})
			}
			tw.AppendFooter(table.Row{"total", "", formatBytes(info.Size)})
			tw.Render()
			return nil
		},
	}
}

func newClean() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached worktrees no longer in use",
		Long: `Clean removes worktrees older than the retention period, keeping every
worktree the lockfile next to the manifest still references. With --all every
unreferenced worktree goes regardless of age; adding --mirrors removes the
bare mirrors as well.`,
		Args: cobra.NoArgs,
		RunE: runClean,
	}
	cmd.Flags().Bool(FlagAll, false, "remove all unreferenced worktrees regardless of age")
	cmd.Flags().Bool(FlagMirrors, false, "with --all, remove bare mirrors too")
	cmd.Flags().Duration(FlagMaxAge, DefaultMaxAge, "retention period for unreferenced worktrees")
	return cmd
}

func runClean(cmd *cobra.Command, _ []string) error {
	cache, err := graftcmd.Cache(cmd)
	if err != nil {
		return err
	}

	policy := repocache.CleanPolicy{Keep: lockedWorktrees(cmd)}
	if policy.All, err = cmd.Flags().GetBool(FlagAll); err != nil {
		return err
	}
	if policy.Mirrors, err = cmd.Flags().GetBool(FlagMirrors); err != nil {
		return err
	}
	if policy.MaxAge, err = cmd.Flags().GetDuration(FlagMaxAge); err != nil {
		return err
	}

	report, err := cache.Clean(cmd.Context(), policy)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d worktrees, %d mirrors\n", report.Worktrees, report.Mirrors)
	return nil
}

// lockedWorktrees collects the worktree keys the current lockfile references.
// Running outside a project, or before the first install, keeps nothing.
func lockedWorktrees(cmd *cobra.Command) map[string]struct{} {
	path, err := graftcmd.ManifestPath(cmd)
	if err != nil {
		return nil
	}
	lock, err := lockfile.Load(filepath.Join(filepath.Dir(path), lockfile.DefaultFileName))
	if err != nil {
		return nil
	}

	keep := make(map[string]struct{})
	for _, entry := range lock.Entries {
		if entry.URL == "" || entry.Commit == "" {
			continue
		}
		keep[repocache.WorktreeKey(entry.URL, entry.Commit)] = struct{}{}
	}
	return keep
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
