// Package metadata extracts transitive dependency declarations from resource
// files. Declarations live in a YAML frontmatter block delimited by "---"
// lines at the top of the file:
//
//	---
//	dependencies:
//	  - path: snippets/shared.md
//	    version: "^1.0.0"
//	    source: tools
//	---
//
// A file without frontmatter, or with frontmatter that declares no
// dependencies, yields an empty list.
package metadata

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Declaration is one transitive dependency declared by a resource file.
// Source and Version are optional; when omitted the declaring resource's own
// source and selector are inherited.
type Declaration struct {
	Path    string `yaml:"path"`
	Version string `yaml:"version"`
	Source  string `yaml:"source"`
}

type frontmatter struct {
	Dependencies []Declaration `yaml:"dependencies"`
}

var delimiter = []byte("---")

// Parse returns the dependency declarations embedded in raw resource bytes.
// Malformed YAML inside an opened frontmatter block is an error; the absence
// of a block is not.
func Parse(raw []byte) ([]Declaration, error) {
	block, ok := frontmatterBlock(raw)
	if !ok {
		return nil, nil
	}
	var fm frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	for i, dep := range fm.Dependencies {
		if dep.Path == "" {
			return nil, fmt.Errorf("frontmatter dependency %d: path is required", i)
		}
	}
	return fm.Dependencies, nil
}

// frontmatterBlock returns the bytes between the opening and closing "---"
// lines, or ok=false when the file has no frontmatter.
func frontmatterBlock(raw []byte) ([]byte, bool) {
	rest, found := bytes.CutPrefix(raw, delimiter)
	if !found {
		return nil, false
	}
	// The opening delimiter must be a line of its own.
	nl, found := bytes.CutPrefix(bytes.TrimPrefix(rest, []byte("\r")), []byte("\n"))
	if !found {
		return nil, false
	}
	for off := 0; off <= len(nl); {
		line := nl[off:]
		end := bytes.IndexByte(line, '\n')
		if end < 0 {
			end = len(line)
		}
		if trimmed := bytes.TrimRight(line[:end], "\r"); bytes.Equal(trimmed, delimiter) {
			return nl[:off], true
		}
		off += end + 1
	}
	return nil, false
}
