// Package install implements "graft install": resolve the manifest (or reuse
// the lockfile when it is current), materialize the files and write the lock.
package install

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/internal/graph"
	"graft.software/graft/internal/install"
	"graft.software/graft/internal/lockfile"
	"graft.software/graft/internal/manifest"
)

const FlagFrozen = "frozen"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the manifest's resources",
		Long: `Install resolves every manifest dependency, materializes the resolved files
below the manifest directory and writes the lockfile.

When the lockfile already matches the manifest the locked commits are
installed as-is, without re-resolving any selector. With --frozen the lockfile
is authoritative: it must exist, it is never rewritten, and installed content
is verified against the locked checksums.`,
		Args: cobra.NoArgs,
		RunE: run,
	}
	cmd.Flags().Bool(FlagFrozen, false, "install exactly what the lockfile pins, never re-resolve")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := graftcmd.Manifest(cmd)
	if err != nil {
		return err
	}
	frozen, err := cmd.Flags().GetBool(FlagFrozen)
	if err != nil {
		return err
	}

	lockPath := graftcmd.LockfilePath(m)
	lock, err := lockfile.Load(lockPath)
	if err != nil {
		if !lockfile.IsNotExist(err) {
			return err
		}
		if frozen {
			return fmt.Errorf("frozen install requires a lockfile at %s", lockPath)
		}
		lock = nil
	}

	if frozen {
		return installLocked(cmd, m, lock, true)
	}
	if lock != nil && len(lockfile.Check(m, lock, lockfile.ModeStrict)) == 0 {
		return installLocked(cmd, m, lock, false)
	}

	builder, _, err := graftcmd.Builder(cmd)
	if err != nil {
		return err
	}
	plan, err := builder.Build(ctx, m)
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
	fmt.Fprintf(cmd.OutOrStdout(), "installed %d resources, lockfile written\n", len(plan.Resources))
	return nil
}

// installLocked installs the lockfile's pinned commits without re-resolving.
// verify additionally compares the installed content against the locked
// checksums.
func installLocked(cmd *cobra.Command, m *manifest.Manifest, lock *lockfile.File, verify bool) error {
	ctx := cmd.Context()
	mode := lockfile.ModeStrict
	if verify {
		mode = lockfile.ModeFrozen
	}
	if reasons := lockfile.Check(m, lock, mode); len(reasons) > 0 {
		return staleError(reasons)
	}

	plan, err := graftcmd.PlanFromLock(ctx, cmd, m, lock)
	if err != nil {
		return err
	}
	digests, err := install.New(m.Dir).Install(ctx, plan)
	if err != nil {
		return err
	}
	if verify {
		if err := verifyChecksums(lock, plan, digests); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %d resources from lockfile\n", len(plan.Resources))
	return nil
}

// verifyChecksums fails when installed content differs from what the lockfile
// recorded at resolution time. Plan resources are positionally aligned with
// the lock entries they were reconstructed from.
func verifyChecksums(lock *lockfile.File, plan *graph.Plan, digests map[string]digest.Digest) error {
	var mismatches []string
	for i, entry := range lock.Entries {
		if entry.Checksum == "" || i >= len(plan.Resources) {
			continue
		}
		sum, ok := digests[plan.Resources[i].ID]
		if !ok {
			continue
		}
		if sum.String() != entry.Checksum {
			mismatches = append(mismatches, fmt.Sprintf("  %s: locked %s, installed %s", entry.Name, entry.Checksum, sum))
		}
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("installed content does not match the lockfile:\n%s", strings.Join(mismatches, "\n"))
	}
	return nil
}

func staleError(reasons []lockfile.StaleReason) error {
	lines := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		lines = append(lines, "  "+reason.String())
	}
	return fmt.Errorf("lockfile does not match the manifest:\n%s", strings.Join(lines, "\n"))
}
