// Package cmd holds the flag names and the setup helpers shared by every
// subcommand: manifest loading, cache construction and plan building.
package cmd

import (
	"path/filepath"

	"github.com/spf13/pflag"

	"graft.software/graft/internal/flags/file"
	"graft.software/graft/internal/lockfile"
	"graft.software/graft/internal/manifest"
	"graft.software/graft/internal/repocache"
)

const (
	// ManifestFlag selects the manifest file, default graft.toml in the
	// working directory.
	ManifestFlag = "manifest"
	// CacheDirFlag overrides the repository cache location.
	CacheDirFlag = "cache-dir"
	// GitConcurrencyFlag bounds simultaneous mutating git subprocesses.
	GitConcurrencyFlag = "git-concurrency"

	// CacheDirEnv is consulted when CacheDirFlag is unset.
	CacheDirEnv = "GRAFT_CACHE_DIR"
)

// RegisterGlobalFlags adds the flags every subcommand shares.
func RegisterGlobalFlags(flags *pflag.FlagSet) {
	file.Var(flags, ManifestFlag, manifest.DefaultFileName,
		"path to the manifest file")
	flags.String(CacheDirFlag, "",
		"repository cache directory (default "+CacheDirEnv+" or the user cache directory)")
	flags.Int64(GitConcurrencyFlag, repocache.DefaultGitConcurrency,
		"maximum number of concurrent git subprocesses")
}

// LockfilePath returns the lockfile location next to the manifest.
func LockfilePath(m *manifest.Manifest) string {
	return filepath.Join(m.Dir, lockfile.DefaultFileName)
}
