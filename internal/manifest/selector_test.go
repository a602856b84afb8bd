package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graft.software/graft/internal/manifest"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name      string
		rev       string
		branch    string
		version   string
		wantKind  manifest.SelectorKind
		wantValue string
	}{
		{name: "empty is any", wantKind: manifest.SelectorAny},
		{name: "star is any", version: "*", wantKind: manifest.SelectorAny},
		{name: "latest keyword", version: "latest", wantKind: manifest.SelectorLatest},
		{name: "bare literal is a tag", version: "1.2.0", wantKind: manifest.SelectorTag, wantValue: "1.2.0"},
		{name: "v-prefixed literal is a tag", version: "v1.2.0", wantKind: manifest.SelectorTag, wantValue: "v1.2.0"},
		{name: "prerelease literal is a tag", version: "1.2.0-rc.1", wantKind: manifest.SelectorTag, wantValue: "1.2.0-rc.1"},
		{name: "caret is a range", version: "^1.0.0", wantKind: manifest.SelectorRange, wantValue: "^1.0.0"},
		{name: "tilde is a range", version: "~1.2", wantKind: manifest.SelectorRange, wantValue: "~1.2"},
		{name: "comparators are a range", version: ">=1.0.0, <2.0.0", wantKind: manifest.SelectorRange, wantValue: ">=1.0.0, <2.0.0"},
		{name: "rev wins over branch and version", rev: "ABCdef12", branch: "main", version: "^1.0.0", wantKind: manifest.SelectorCommit, wantValue: "abcdef12"},
		{name: "branch wins over version", branch: "main", version: "^1.0.0", wantKind: manifest.SelectorBranch, wantValue: "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := manifest.ParseSelector(tt.rev, tt.branch, tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, sel.Kind)
			assert.Equal(t, tt.wantValue, sel.Value)
		})
	}
}

func TestParseSelector_Invalid(t *testing.T) {
	_, err := manifest.ParseSelector("xyz", "", "")
	require.ErrorContains(t, err, "not a commit SHA")

	_, err = manifest.ParseSelector("", "", "one point oh")
	require.ErrorContains(t, err, "neither a tag nor a valid semver constraint")
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "any", manifest.Selector{Kind: manifest.SelectorAny}.String())
	assert.Equal(t, "latest", manifest.Selector{Kind: manifest.SelectorLatest}.String())
	assert.Equal(t, "tag:v1.0.0", manifest.Selector{Kind: manifest.SelectorTag, Value: "v1.0.0"}.String())
	assert.Equal(t, "commit:abc1234", manifest.Selector{Kind: manifest.SelectorCommit, Value: "abc1234"}.String())

	assert.False(t, manifest.Selector{Kind: manifest.SelectorAny}.IsSpecific())
	assert.False(t, manifest.Selector{Kind: manifest.SelectorLatest}.IsSpecific())
	assert.True(t, manifest.Selector{Kind: manifest.SelectorRange, Value: "^1"}.IsSpecific())
}
