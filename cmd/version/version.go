// Package version implements "graft version".
package version

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"graft.software/graft/internal/enum"
	"graft.software/graft/internal/version"
)

const FlagOutput = "output"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the graft version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := version.Get()
			if err != nil {
				return err
			}
			format, err := enum.Get(cmd.Flags(), FlagOutput)
			if err != nil {
				return err
			}
			if format == "json" {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "graft %s (go %s, %s)\n",
				info.GitVersion, info.GoVersion, info.Platform)
			return err
		},
	}
	enum.VarP(cmd.Flags(), FlagOutput, "o", []string{"text", "json"}, "output format")
	return cmd
}
