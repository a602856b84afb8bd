package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graft.software/graft/internal/manifest"
)

const sample = `
[sources]
tools = { url = "https://example.com/acme/tools.git" }
shared = { path = "../shared" }
short = "https://example.com/acme/short"

[dependencies]
helper = { source = "tools", path = "agents/helper.md", version = "^1.0.0" }
pinned = { source = "tools", path = "agents/pinned.md", rev = "abc1234", type = "agent" }
tracked = { source = "tools", path = "scripts/*.sh", branch = "main", target = "bin" }
local = { path = "snippets/local.md" }
`

func TestParse(t *testing.T) {
	r := require.New(t)
	m, err := manifest.Parse([]byte(sample), "/proj")
	r.NoError(err)

	r.Len(m.Sources, 3)
	assert.Equal(t, "https://example.com/acme/tools.git", m.Sources["tools"].URL)
	assert.Equal(t, filepath.Join("/proj", "..", "shared"), m.Sources["shared"].Path, "local source paths are absolutized against the manifest directory")
	assert.Equal(t, "https://example.com/acme/short", m.Sources["short"].URL, "string shorthand is a URL")

	r.Len(m.Dependencies, 4)
	assert.Equal(t, []string{"helper", "pinned", "tracked", "local"}, m.Order, "declaration order survives decoding")

	helper := m.Dependencies["helper"]
	assert.Equal(t, manifest.SelectorRange, helper.Selector.Kind)
	assert.Equal(t, "file", helper.Type)

	pinned := m.Dependencies["pinned"]
	assert.Equal(t, manifest.SelectorCommit, pinned.Selector.Kind)
	assert.Equal(t, "abc1234", pinned.Selector.Value)
	assert.Equal(t, "agent", pinned.Type)

	tracked := m.Dependencies["tracked"]
	assert.Equal(t, manifest.SelectorBranch, tracked.Selector.Kind)
	assert.Equal(t, "main", tracked.Selector.Value)

	local := m.Dependencies["local"]
	assert.Empty(t, local.Source)
	assert.Equal(t, manifest.SelectorAny, local.Selector.Kind)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		toml    string
		wantMsg string
	}{
		{
			name:    "source without url or path",
			toml:    "[sources]\nbroken = { }\n",
			wantMsg: "one of url or path is required",
		},
		{
			name:    "source with url and path",
			toml:    "[sources]\nboth = { url = \"https://x\", path = \"./y\" }\n",
			wantMsg: "mutually exclusive",
		},
		{
			name:    "dependency without path",
			toml:    "[dependencies]\nnopath = { version = \"1.0.0\" }\n",
			wantMsg: "path is required",
		},
		{
			name:    "dependency with unknown source",
			toml:    "[dependencies]\ndep = { source = \"ghost\", path = \"a.md\" }\n",
			wantMsg: `unknown source "ghost"`,
		},
		{
			name:    "absolute path",
			toml:    "[dependencies]\ndep = { path = \"/etc/passwd\" }\n",
			wantMsg: "must be relative",
		},
		{
			name:    "escaping path",
			toml:    "[dependencies]\ndep = { path = \"../../secrets.md\" }\n",
			wantMsg: "escapes its root",
		},
		{
			name:    "versioned local dependency",
			toml:    "[dependencies]\ndep = { path = \"a.md\", version = \"^1.0.0\" }\n",
			wantMsg: "unversioned",
		},
		{
			name:    "malformed selector",
			toml:    "[sources]\ns = \"https://x\"\n[dependencies]\ndep = { source = \"s\", path = \"a.md\", version = \"not a version\" }\n",
			wantMsg: "neither a tag nor a valid semver constraint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manifest.Parse([]byte(tt.toml), "/proj")
			require.Error(t, err)
			var verr *manifest.ValidationError
			if assert.ErrorAs(t, err, &verr) {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	file := filepath.Join(dir, manifest.DefaultFileName)
	r.NoError(os.WriteFile(file, []byte(sample), 0o644))

	m, err := manifest.Load(file)
	r.NoError(err)
	assert.Equal(t, dir, m.Dir)
}

func TestSourceIdentity(t *testing.T) {
	git := &manifest.Source{URL: "https://example.com/acme/tools.git"}
	plain := &manifest.Source{URL: "https://example.com/acme/tools"}
	slash := &manifest.Source{URL: "https://example.com/acme/tools/"}
	assert.Equal(t, git.Identity(), plain.Identity(), ".git suffix is insignificant")
	assert.Equal(t, plain.Identity(), slash.Identity(), "trailing slash is insignificant")

	local := &manifest.Source{Path: "/proj/app/../shared"}
	assert.Equal(t, "/proj/shared", local.Identity())
}
