// Package list implements "graft list": print the locked resources.
package list

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/internal/enum"
	"graft.software/graft/internal/lockfile"
)

const FlagOutput = "output"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the locked resources",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	enum.VarP(cmd.Flags(), FlagOutput, "o", []string{"table", "json", "yaml"}, "output format")
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

	format, err := enum.Get(cmd.Flags(), FlagOutput)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(lock)
	case "yaml":
		return yaml.NewEncoder(out).Encode(lock)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"NAME", "SOURCE", "PATH", "SELECTOR", "VERSION", "TARGET"})
	for _, entry := range lock.Entries {
		tw.AppendRow(table.Row{entry.Name, entry.Source, entry.Path, entry.Selector, versionOf(entry), entry.Target})
	}
	tw.Render()
	return nil
}

// versionOf renders the resolved version: the satisfying ref when there is
// one, the abbreviated commit otherwise, "local" for unversioned files.
func versionOf(entry lockfile.Entry) string {
	switch {
	case entry.Ref != "":
		return entry.Ref
	case len(entry.Commit) >= 8:
		return entry.Commit[:8]
	case entry.Commit != "":
		return entry.Commit
	}
	return "local"
}
