package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"graft.software/graft/internal/graph"
)

func testPlan() *graph.Plan {
	return &graph.Plan{
		Resources: []graph.Resource{
			{ID: "src::shared.md", Name: "shared.md", Ref: "v1.2.0"},
			{ID: "src::a.md", Name: "a", Ref: "v1.2.0"},
			{ID: "src::b.md", Name: "b", Commit: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		},
		Edges: map[string][]string{
			"src::a.md": {"src::shared.md"},
			"src::b.md": {"src::shared.md"},
		},
	}
}

func TestRenderTree(t *testing.T) {
	r := require.New(t)

	var sb strings.Builder
	renderTree(&sb, testPlan())

	r.Equal(`a (v1.2.0)
└── shared.md (v1.2.0)
b (aaaaaaaa)
└── shared.md (v1.2.0)
`, sb.String())
}

func TestRenderDOT(t *testing.T) {
	r := require.New(t)

	var sb strings.Builder
	renderDOT(&sb, testPlan())
	out := sb.String()

	r.True(strings.HasPrefix(out, "digraph graft {"))
	r.Contains(out, `"src::a.md" [label="a (v1.2.0)"];`)
	r.Contains(out, `"src::a.md" -> "src::shared.md";`)
	r.Contains(out, `"src::b.md" -> "src::shared.md";`)
	r.True(strings.HasSuffix(out, "}\n"))
}
