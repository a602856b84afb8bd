// Package lockfile persists the install plan and detects when a persisted
// plan no longer matches the current manifest. The lockfile is the durable
// output of a successful resolution: byte-deterministic YAML, written
// atomically, with forward-slash paths for cross-platform stability.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"graft.software/graft/internal/graph"
)

// DefaultFileName is the lockfile written next to the manifest.
const DefaultFileName = "graft.lock"

// Version is the current lockfile schema version.
const Version = 1

// Entry is the persisted record of one resolved resource.
type Entry struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
	// Source is the manifest name of the owning source, empty for local
	// direct-path resources.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// URL is the source URL (or local path) the entry was resolved against.
	// Compared against the manifest on later runs to catch a source being
	// renamed underneath a fixed name.
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Path     string `json:"path" yaml:"path"`
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Commit   string `json:"commit,omitempty" yaml:"commit,omitempty"`
	Ref      string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Target   string `json:"target" yaml:"target"`
	// Direct marks entries that correspond to manifest declarations.
	Direct bool `json:"direct,omitempty" yaml:"direct,omitempty"`
}

// File is the full lockfile content.
type File struct {
	Version int     `json:"version" yaml:"version"`
	Entries []Entry `json:"resources" yaml:"resources"`
}

// Generate builds the lockfile for a closed install plan. checksums maps
// resource IDs to the content digests computed by the installer. Entries are
// sorted for byte determinism independent of plan order.
func Generate(plan *graph.Plan, checksums map[string]digest.Digest) *File {
	file := &File{Version: Version}
	for _, res := range plan.Resources {
		entry := Entry{
			Type:     res.Type,
			Name:     res.Name,
			Path:     filepath.ToSlash(res.Path),
			Selector: res.Selector.String(),
			Commit:   res.Commit,
			Ref:      res.Ref,
			Target:   filepath.ToSlash(res.Target),
			Direct:   res.Direct,
		}
		if res.Source != nil {
			entry.Source = res.Source.Name
			entry.URL = res.Source.Identity()
		}
		if sum, ok := checksums[res.ID]; ok {
			entry.Checksum = sum.String()
		}
		file.Entries = append(file.Entries, entry)
	}
	sort.Slice(file.Entries, func(i, j int) bool {
		a, b := file.Entries[i], file.Entries[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Path < b.Path
	})
	return file
}

// Load reads the lockfile at path. A missing lockfile returns an error
// wrapping fs.ErrNotExist so callers can treat it as "first run".
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	if file.Version != Version {
		return nil, fmt.Errorf("unsupported lockfile version %d", file.Version)
	}
	return &file, nil
}

// Write atomically replaces the lockfile at path: the content is fully
// marshaled in memory, written to a temporary sibling and renamed into
// place, so a crash mid-write never leaves a half-written lockfile.
func (f *File) Write(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling lockfile: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary lockfile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temporary lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary lockfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing lockfile: %w", err)
	}
	return nil
}

// IsNotExist reports whether err marks a missing lockfile.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
