// Package check implements "graft check": report lockfile staleness. Strict
// mode additionally re-resolves mutable selectors to surface upstream drift;
// frozen mode never touches a repository.
package check

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/internal/lockfile"
)

const FlagFrozen = "frozen"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the lockfile against the manifest",
		Long: `Check compares the lockfile against the manifest and reports every finding,
including branches and floating versions that moved upstream since the lock
was written. The exit code is non-zero when the lockfile is out of date. With
--frozen only consistency problems count, matching what a frozen install
would reject, and no remote is contacted.`,
		Args: cobra.NoArgs,
		RunE: run,
	}
	cmd.Flags().Bool(FlagFrozen, false, "only report findings fatal to a frozen install")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	m, err := graftcmd.Manifest(cmd)
	if err != nil {
		return err
	}
	lock, err := lockfile.Load(graftcmd.LockfilePath(m))
	if err != nil {
		if lockfile.IsNotExist(err) {
			return fmt.Errorf("no lockfile found, run \"graft install\" first")
		}
		return err
	}

	frozen, err := cmd.Flags().GetBool(FlagFrozen)
	if err != nil {
		return err
	}
	mode := lockfile.ModeStrict
	if frozen {
		mode = lockfile.ModeFrozen
	}

	reasons := lockfile.Check(m, lock, mode)
	if !frozen {
		res, err := graftcmd.Resolver(cmd)
		if err != nil {
			return err
		}
		upstream, err := lockfile.CheckUpstream(cmd.Context(), m, lock, res)
		if err != nil {
			return err
		}
		reasons = append(reasons, upstream...)
	}
	if len(reasons) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "lockfile is up to date")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"KIND", "FATAL", "DETAIL"})
	for _, reason := range reasons {
		fatal := "strict"
		if reason.Consistency() {
			fatal = "always"
		}
		tw.AppendRow(table.Row{reason.Kind, fatal, reason.Detail})
	}
	tw.Render()
	return fmt.Errorf("lockfile is out of date (%d findings)", len(reasons))
}
