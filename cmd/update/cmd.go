// Package update implements "graft update": re-resolve selectors ignoring the
// locked pins, optionally limited to named dependencies.
package update

import (
	"fmt"

	"github.com/spf13/cobra"

	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/internal/install"
	"graft.software/graft/internal/lockfile"
	"graft.software/graft/internal/manifest"
)

func New() *cobra.Command {
	return &cobra.Command{
		Use:   "update [name...]",
		Short: "Re-resolve dependencies and refresh the lockfile",
		Long: `Update re-resolves version selectors against the current remote state and
rewrites the lockfile. Without arguments every dependency is updated; with
arguments only the named dependencies move while everything else stays pinned
at its locked commit.`,
		RunE: run,
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := graftcmd.Manifest(cmd)
	if err != nil {
		return err
	}
	for _, name := range args {
		if _, ok := m.Dependencies[name]; !ok {
			return fmt.Errorf("unknown dependency %q", name)
		}
	}

	lockPath := graftcmd.LockfilePath(m)
	// Selective update: hold every unnamed dependency at its locked commit.
	// The pins enter resolution as selector overrides; the manifest itself
	// stays untouched and the lockfile records the declared selectors.
	overrides := make(map[string]manifest.Selector)
	if len(args) > 0 {
		lock, err := lockfile.Load(lockPath)
		if err != nil {
			if !lockfile.IsNotExist(err) {
				return err
			}
		} else {
			overrides = heldPins(m, lock, args)
		}
	}

	builder, _, err := graftcmd.Builder(cmd)
	if err != nil {
		return err
	}
	plan, err := builder.WithSelectorOverrides(overrides).Build(ctx, m)
	if err != nil {
		return err
	}
	digests, err := install.New(m.Dir).Install(ctx, plan)
	if err != nil {
		return err
	}
	if err := lockfile.Generate(plan, digests).Write(lockPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "updated %d resources, lockfile written\n", len(plan.Resources))
	return nil
}

// heldPins maps every direct dependency not named on the command line to a
// commit pin at its locked commit.
func heldPins(m *manifest.Manifest, lock *lockfile.File, names []string) map[string]manifest.Selector {
	update := make(map[string]struct{}, len(names))
	for _, name := range names {
		update[name] = struct{}{}
	}

	pins := make(map[string]manifest.Selector)
	for _, entry := range lock.Entries {
		if !entry.Direct || entry.Commit == "" {
			continue
		}
		if _, ok := update[entry.Name]; ok {
			continue
		}
		dep, ok := m.Dependencies[entry.Name]
		if !ok || dep.Path != entry.Path {
			continue
		}
		pins[entry.Name] = manifest.Selector{Kind: manifest.SelectorCommit, Value: entry.Commit}
	}
	return pins
}
