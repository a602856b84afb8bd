// Package manifest loads and validates the graft.toml manifest: the named
// sources resources come from and the dependencies to install. The manifest is
// read-only input for the rest of the system; nothing here touches git.
package manifest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the manifest file looked up relative to the working
// directory when no --manifest flag is given.
const DefaultFileName = "graft.toml"

// Source is a named origin of resource files: either a remote git URL or a
// local filesystem path. Exactly one of URL and Path is set.
type Source struct {
	Name string `toml:"-"`
	URL  string `toml:"url"`
	Path string `toml:"path"`
}

// UnmarshalTOML accepts both the table form ({ url = "..." } or
// { path = "..." }) and the string shorthand, which is treated as a URL.
func (s *Source) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		s.URL = v
	case map[string]any:
		if u, ok := v["url"].(string); ok {
			s.URL = u
		}
		if p, ok := v["path"].(string); ok {
			s.Path = p
		}
	default:
		return fmt.Errorf("source must be a URL string or a table with url or path")
	}
	return nil
}

// Identity returns the canonical identity of the source used for
// deduplication and cache keying. URLs are canonicalized by stripping an
// insignificant trailing slash and ".git" suffix. Local paths are absolute
// after Parse and only need cleaning.
func (s *Source) Identity() string {
	if s.URL != "" {
		id := strings.TrimSuffix(s.URL, "/")
		id = strings.TrimSuffix(id, ".git")
		return id
	}
	return filepath.ToSlash(filepath.Clean(s.Path))
}

// Dependency is one manifest entry: a resource bound to a source, a
// repository-relative path or glob, and a version selector.
type Dependency struct {
	Name   string `toml:"-"`
	Type   string `toml:"type"`
	Source string `toml:"source"`
	Path   string `toml:"path"`

	// Selector fields. Priority on conflict: Rev > Branch > Version.
	Rev     string `toml:"rev"`
	Branch  string `toml:"branch"`
	Version string `toml:"version"`

	// Target overrides the install location (relative to the install root).
	Target string `toml:"target"`
	// Render enables the template pass on installed text content.
	Render bool `toml:"render"`

	// Selector is derived from Rev/Branch/Version during Parse.
	Selector Selector `toml:"-"`
}

// DefaultType is assumed when a dependency declares no resource type.
const DefaultType = "file"

// Manifest is the parsed, validated graft.toml.
type Manifest struct {
	Sources      map[string]*Source     `toml:"sources"`
	Dependencies map[string]*Dependency `toml:"dependencies"`

	// Order holds dependency names in declaration order; TOML tables are
	// unordered maps, and install plans break ties by declaration order.
	Order []string `toml:"-"`
	// Dir is the directory containing the manifest, the base for local paths.
	Dir string `toml:"-"`
}

// ValidationError reports a manifest that parsed but is not usable.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s: %s", e.Field, e.Msg)
}

// Load reads and parses the manifest at path.
func Load(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	abs, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, fmt.Errorf("resolving manifest directory: %w", err)
	}
	return Parse(data, abs)
}

// Parse decodes and validates manifest bytes. dir is the directory the
// manifest lives in; local source paths are resolved against it.
func Parse(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	m.Dir = dir

	for name, src := range m.Sources {
		src.Name = name
	}
	for name, dep := range m.Dependencies {
		dep.Name = name
	}
	m.Order = dependencyOrder(md)

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// dependencyOrder recovers the declaration order of the dependencies table
// from the decoder metadata.
func dependencyOrder(md toml.MetaData) []string {
	var order []string
	seen := make(map[string]bool)
	for _, key := range md.Keys() {
		if len(key) >= 2 && key[0] == "dependencies" && !seen[key[1]] {
			seen[key[1]] = true
			order = append(order, key[1])
		}
	}
	return order
}

func (m *Manifest) validate() error {
	for name, src := range m.Sources {
		switch {
		case src.URL == "" && src.Path == "":
			return &ValidationError{Field: "sources." + name, Msg: "one of url or path is required"}
		case src.URL != "" && src.Path != "":
			return &ValidationError{Field: "sources." + name, Msg: "url and path are mutually exclusive"}
		}
		if src.Path != "" && !filepath.IsAbs(src.Path) {
			src.Path = filepath.Join(m.Dir, src.Path)
		}
	}

	for _, name := range m.Order {
		dep := m.Dependencies[name]
		field := "dependencies." + name
		if dep.Path == "" {
			return &ValidationError{Field: field, Msg: "path is required"}
		}
		if err := checkRelativePath(dep.Path); err != nil {
			return &ValidationError{Field: field + ".path", Msg: err.Error()}
		}
		if dep.Target != "" {
			if err := checkRelativePath(dep.Target); err != nil {
				return &ValidationError{Field: field + ".target", Msg: err.Error()}
			}
		}
		if dep.Type == "" {
			dep.Type = DefaultType
		}

		sel, err := ParseSelector(dep.Rev, dep.Branch, dep.Version)
		if err != nil {
			return &ValidationError{Field: field, Msg: err.Error()}
		}
		dep.Selector = sel

		if dep.Source == "" {
			// Local direct-path dependency: the file lives next to the
			// manifest and has no versioned history to select from.
			if sel.Kind != SelectorAny {
				return &ValidationError{Field: field, Msg: "version selectors require a source; local direct-path dependencies are unversioned"}
			}
			continue
		}
		if _, ok := m.Sources[dep.Source]; !ok {
			return &ValidationError{Field: field + ".source", Msg: fmt.Sprintf("unknown source %q", dep.Source)}
		}
	}
	return nil
}

// checkRelativePath rejects absolute paths and paths escaping their root.
// Manifest paths always use forward slashes.
func checkRelativePath(p string) error {
	if strings.Contains(p, `\`) {
		return fmt.Errorf("path %q must use forward slashes", p)
	}
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes its root", p)
	}
	return nil
}

// SourceFor returns the named source. Unknown names indicate a manifest that
// skipped validation and are treated as programmer errors by callers.
func (m *Manifest) SourceFor(name string) (*Source, bool) {
	src, ok := m.Sources[name]
	return src, ok
}
