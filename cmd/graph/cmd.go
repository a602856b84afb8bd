// Package graph implements "graft graph": resolve the manifest and render the
// dependency graph as a tree or in DOT format.
package graph

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	graftcmd "graft.software/graft/cmd/internal/cmd"
	"graft.software/graft/internal/enum"
	"graft.software/graft/internal/graph"
)

const FlagOutput = "output"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the resolved dependency graph",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	enum.VarP(cmd.Flags(), FlagOutput, "o", []string{"tree", "dot"}, "output format")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	m, err := graftcmd.Manifest(cmd)
	if err != nil {
		return err
	}
	builder, _, err := graftcmd.Builder(cmd)
	if err != nil {
		return err
	}
	plan, err := builder.Build(cmd.Context(), m)
	if err != nil {
		return err
	}

	format, err := enum.Get(cmd.Flags(), FlagOutput)
	if err != nil {
		return err
	}
	if format == "dot" {
		renderDOT(cmd.OutOrStdout(), plan)
		return nil
	}
	renderTree(cmd.OutOrStdout(), plan)
	return nil
}

func label(res *graph.Resource) string {
	switch {
	case res.Ref != "":
		return fmt.Sprintf("%s (%s)", res.Name, res.Ref)
	case len(res.Commit) >= 8:
		return fmt.Sprintf("%s (%s)", res.Name, res.Commit[:8])
	}
	return res.Name
}

// renderTree prints the graph from its roots, one branch per dependency.
// Shared nodes appear under every dependent.
func renderTree(w io.Writer, plan *graph.Plan) {
	byID := make(map[string]*graph.Resource, len(plan.Resources))
	inDegree := make(map[string]int)
	for i := range plan.Resources {
		res := &plan.Resources[i]
		byID[res.ID] = res
		for _, child := range plan.Edges[res.ID] {
			inDegree[child]++
		}
	}

	var roots []string
	for _, res := range plan.Resources {
		if inDegree[res.ID] == 0 {
			roots = append(roots, res.ID)
		}
	}
	sort.Strings(roots)

	for _, root := range roots {
		fmt.Fprintln(w, label(byID[root]))
		printChildren(w, plan, byID, root, "")
	}
}

func printChildren(w io.Writer, plan *graph.Plan, byID map[string]*graph.Resource, id, prefix string) {
	children := plan.Edges[id]
	for i, child := range children {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(children)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		fmt.Fprintln(w, prefix+connector+label(byID[child]))
		printChildren(w, plan, byID, child, childPrefix)
	}
}

func renderDOT(w io.Writer, plan *graph.Plan) {
	fmt.Fprintln(w, "digraph graft {")
	fmt.Fprintln(w, "  rankdir=LR;")
	for i := range plan.Resources {
		res := &plan.Resources[i]
		fmt.Fprintf(w, "  %s [label=%s];\n", quote(res.ID), quote(label(res)))
	}
	for i := range plan.Resources {
		id := plan.Resources[i].ID
		for _, child := range plan.Edges[id] {
			fmt.Fprintf(w, "  %s -> %s;\n", quote(id), quote(child))
		}
	}
	fmt.Fprintln(w, "}")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
