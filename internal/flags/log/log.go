// Package log wires the logging flags into a base slog.Logger. Every command
// shares the same flags: --loglevel, --logformat and repeatable --log-filter
// realm=level specifications.
package log

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"graft.software/graft/internal/enum"
	"graft.software/graft/internal/flags/log/filter"
)

const (
	FlagLogLevel  = "loglevel"
	FlagLogFormat = "logformat"
	FlagLogFilter = "log-filter"
)

func RegisterLoggingFlags(flags *pflag.FlagSet) {
	enum.Var(flags, FlagLogLevel, []string{
		"warn",
		"debug",
		"info",
		"error",
	}, "set the log level")
	enum.Var(flags, FlagLogFormat, []string{
		"text",
		"json",
	}, "set the log format")
	flags.StringArray(FlagLogFilter, nil, "set a per-realm minimum log level (realm=level, repeatable)")
}

// GetBaseLogger builds the logger configured by the command's logging flags.
// Output goes to the command's stderr stream so command output stays clean.
func GetBaseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	logLevel, err := GetLoggerLevel(cmd)
	if err != nil {
		return nil, err
	}

	format, err := enum.Get(cmd.Flags(), FlagLogFormat)
	if err != nil {
		return nil, err
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: logLevel,
		})
	case "text":
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: logLevel,
		})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	specs, err := cmd.Flags().GetStringArray(FlagLogFilter)
	if err != nil {
		return nil, err
	}
	if len(specs) > 0 {
		filters, err := filter.KeyFiltersFromStrings(specs...)
		if err != nil {
			return nil, err
		}
		handler = filter.New(handler, filter.LoggingKeyRealm, filters)
	}

	return slog.New(handler), nil
}

func GetLoggerLevel(cmd *cobra.Command) (slog.Level, error) {
	logLevel, err := enum.Get(cmd.Flags(), FlagLogLevel)
	if err != nil {
		return slog.LevelWarn, err
	}
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return slog.LevelWarn, fmt.Errorf("invalid log level: %s", logLevel)
	}
	return level, nil
}
