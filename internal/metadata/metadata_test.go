package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graft.software/graft/internal/metadata"
)

func TestParse(t *testing.T) {
	r := require.New(t)
	raw := []byte(`---
description: a helper agent
dependencies:
  - path: snippets/shared.md
    version: "^1.0.0"
  - path: scripts/setup.sh
    source: tools
  - path: snippets/plain.md
---
# Helper

Body content is never parsed.
`)
	deps, err := metadata.Parse(raw)
	r.NoError(err)
	r.Len(deps, 3)
	assert.Equal(t, metadata.Declaration{Path: "snippets/shared.md", Version: "^1.0.0"}, deps[0])
	assert.Equal(t, metadata.Declaration{Path: "scripts/setup.sh", Source: "tools"}, deps[1])
	assert.Equal(t, metadata.Declaration{Path: "snippets/plain.md"}, deps[2])
}

func TestParse_NoFrontmatter(t *testing.T) {
	for name, raw := range map[string]string{
		"plain file":          "# Title\n\nBody.\n",
		"empty file":          "",
		"delimiter mid-file":  "# Title\n---\ndependencies: nope\n---\n",
		"unterminated block":  "---\ndependencies:\n  - path: a.md\n",
		"horizontal rule use": "----\ntext\n",
	} {
		t.Run(name, func(t *testing.T) {
			deps, err := metadata.Parse([]byte(raw))
			require.NoError(t, err)
			assert.Empty(t, deps)
		})
	}
}

func TestParse_FrontmatterWithoutDependencies(t *testing.T) {
	deps, err := metadata.Parse([]byte("---\ntitle: hello\n---\nbody\n"))
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestParse_Malformed(t *testing.T) {
	_, err := metadata.Parse([]byte("---\ndependencies: [unclosed\n---\n"))
	require.ErrorContains(t, err, "parsing frontmatter")

	_, err = metadata.Parse([]byte("---\ndependencies:\n  - version: \"^1.0.0\"\n---\n"))
	require.ErrorContains(t, err, "path is required")
}

func TestParse_CRLF(t *testing.T) {
	deps, err := metadata.Parse([]byte("---\r\ndependencies:\r\n  - path: a.md\r\n---\r\nbody\r\n"))
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "a.md", deps[0].Path)
}
