// Package cmd assembles the graft command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"

	"graft.software/graft/cmd/cache"
	"graft.software/graft/cmd/check"
	graphcmd "graft.software/graft/cmd/graph"
	"graft.software/graft/cmd/install"
	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/cmd/list"
	"graft.software/graft/cmd/update"
	"graft.software/graft/cmd/version"
	"graft.software/graft/internal/flags/log"
)

// Execute runs the root command. This is called by main.main() and only
// needs to happen once.
func Execute() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graft [sub-command]",
		Short: "Git-native dependency manager for agent resources",
		Long: `graft resolves a manifest of resources (agents, commands, scripts,
snippets) pinned to git repositories or local directories into a reproducible
install plan, materializes the files and records the result in a lockfile.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := log.GetBaseLogger(cmd)
			if err != nil {
				return fmt.Errorf("could not retrieve logger: %w", err)
			}
			slog.SetDefault(logger)

			// Every log line of one invocation carries the same run id.
			logger = logger.With(slog.String("run", uuid.NewString()))
			cmd.SetContext(slogcontext.NewCtx(cmd.Context(), logger))
			return nil
		},
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	graftcmd.RegisterGlobalFlags(cmd.PersistentFlags())
	log.RegisterLoggingFlags(cmd.PersistentFlags())

	cmd.AddCommand(install.New())
	cmd.AddCommand(update.New())
	cmd.AddCommand(check.New())
	cmd.AddCommand(list.New())
	cmd.AddCommand(graphcmd.New())
	cmd.AddCommand(cache.New())
	cmd.AddCommand(version.New())
	return cmd
}
